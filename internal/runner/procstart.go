//go:build !windows

package runner

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

// procStart returns the kernel's record of when pid started, or the zero
// time when it cannot be determined (e.g. the child already exited).
func procStart(pid int) time.Time {
	if pid <= 0 {
		return time.Time{}
	}
	if runtime.GOOS == "linux" {
		if sec := procStartLinux(pid); sec > 0 {
			return time.Unix(sec, 0)
		}
	}
	return createTime(pid)
}

// createTime asks gopsutil (sysctl on Darwin/BSD, HOST_PROC on Linux).
func createTime(pid int) time.Time {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return time.Time{}
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// procStartLinux computes start time from /proc/<pid>/stat field 22 (clock
// ticks since boot) and the btime line of /proc/stat.
func procStartLinux(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	ticks := startTicks(string(b))
	if ticks <= 0 {
		return 0
	}
	btime := bootTime()
	if btime == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return btime + ticks/clk
}

// startTicks extracts starttime from a /proc/<pid>/stat line. The comm field
// may contain spaces and parentheses, so parsing starts after the last ") ".
func startTicks(stat string) int64 {
	end := strings.LastIndex(stat, ") ")
	if end == -1 {
		return 0
	}
	parts := strings.Fields(stat[end+2:])
	// parts[0] is field 3 (state); starttime is field 22
	if len(parts) < 20 {
		return 0
	}
	v, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func bootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return 0
			}
			return bt
		}
	}
	return 0
}
