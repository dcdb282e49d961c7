package main

import (
	"fmt"
	"os/user"
	"strconv"
	"strings"
)

// resolveUser maps a numeric uid or a user name to a uid. Empty means unset.
func resolveUser(s string) (*int, error) {
	return resolveID(s, "user", func(name string) (string, error) {
		u, err := user.Lookup(name)
		if err != nil {
			return "", err
		}
		return u.Uid, nil
	})
}

// resolveGroup maps a numeric gid or a group name to a gid. Empty means unset.
func resolveGroup(s string) (*int, error) {
	return resolveID(s, "group", func(name string) (string, error) {
		g, err := user.LookupGroup(name)
		if err != nil {
			return "", err
		}
		return g.Gid, nil
	})
}

func resolveGroups(ss []string) ([]int, error) {
	var out []int
	for _, s := range ss {
		g, err := resolveGroup(s)
		if err != nil {
			return nil, err
		}
		if g != nil {
			out = append(out, *g)
		}
	}
	return out, nil
}

func resolveID(s, kind string, lookup func(string) (string, error)) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return nil, fmt.Errorf("invalid %s id %d", kind, n)
		}
		return &n, nil
	}
	id, err := lookup(s)
	if err != nil {
		return nil, fmt.Errorf("unknown %s %q: %w", kind, s, err)
	}
	n, err := strconv.Atoi(id)
	if err != nil {
		return nil, fmt.Errorf("%s %q has non-numeric id %q", kind, s, id)
	}
	return &n, nil
}
