package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to a child process:
// the supervisor's own environment, then supervisor-wide overrides, then the
// per-service overlay. The With* methods return modified copies.
type Env struct {
	Var Var // supervisor-wide overrides (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// WithBase returns a copy that uses kvs ("K=V") as the base instead of the OS
// environment.
func (e *Env) WithBase(kvs []string) *Env {
	c := e.clone()
	c.env = parse(kvs)
	return c
}

// WithSet returns a copy with K=V added to the supervisor-wide overrides.
func (e *Env) WithSet(k, v string) *Env {
	c := e.clone()
	if k != "" {
		c.Var[k] = v
	}
	return c
}

// WithPairs applies WithSet for each "K=V" entry; malformed entries are skipped.
func (e *Env) WithPairs(kvs []string) *Env {
	c := e.clone()
	for k, v := range parse(kvs) {
		c.Var[k] = v
	}
	return c
}

// Merge composes the final environment list applying order:
// base = OS env (or cached), then global e.Var overrides, then overlay.
// Values are passed through verbatim. The result is sorted by key.
func (e *Env) Merge(overlay map[string]string) []string {
	base := e.env
	if base == nil {
		base = parse(os.Environ())
	}
	m := make(Var, len(base)+len(e.Var)+len(overlay))
	for k, v := range base {
		m[k] = v
	}
	for k, v := range e.Var {
		m[k] = v
	}
	for k, v := range overlay {
		if k == "" || strings.ContainsRune(k, '=') {
			continue
		}
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (e *Env) clone() *Env {
	c := &Env{Var: make(Var, len(e.Var)), env: e.env}
	for k, v := range e.Var {
		c.Var[k] = v
	}
	return c
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
