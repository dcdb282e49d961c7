package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to a spawned child. The base is empty
// unless FromOS was called, so an Env can produce a deliberately empty
// environment as well as an inherited one.
type Env struct {
	Var  Var // global variables (K->V)
	base Var
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() *Env {
	e.base = parse(os.Environ())
	return e
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet is Set in chainable form.
func (e *Env) WithSet(k, v string) *Env {
	e.Set(k, v)
	return e
}

// SetPairs applies "K=V" entries; malformed entries are skipped.
func (e *Env) SetPairs(kvs []string) *Env {
	for k, v := range parse(kvs) {
		e.Set(k, v)
	}
	return e
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Merge composes the final environment list applying order:
// base (OS env when FromOS was called), then global e.Var overrides,
// then extra "K=V" overrides. ${VAR} references are expanded against the
// composed map (simple expansion, no recursion). The result is sorted and
// never nil.
func (e *Env) Merge(extra []string) []string {
	m := make(Var, len(e.base)+len(e.Var)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range parse(extra) {
		m[k] = v
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
