// Package env composes the environment handed to tenant processes.
package env

import (
	"os"
	"sort"
	"strings"
)

// TenantKey is the variable that carries the tenant id into every child.
const TenantKey = "BOT_TENANT_ID"

type Var map[string]string

// Env layers the server's own environment, configured globals and
// per-launch overrides. The zero value is not usable; call New.
type Env struct {
	global Var
	base   Var // cached OS environment
}

// New returns an Env seeded with "K=V" globals. Malformed entries are ignored.
func New(globals []string) *Env {
	e := &Env{global: make(Var)}
	for _, kv := range globals {
		if k, v, ok := split(kv); ok {
			e.global[k] = v
		}
	}
	return e
}

// FromOS caches the current process environment as the base layer.
func (e *Env) FromOS() {
	e.base = parse(os.Environ())
}

// WithBase replaces the base layer. Tests use it to avoid inheriting the
// runner's environment.
func (e *Env) WithBase(kv []string) *Env {
	e.base = parse(kv)
	return e
}

// Set adds or replaces a global variable.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.global[k] = v
}

// Merge composes base, globals and extra (in that order, later wins) and
// expands ${VAR} references against the composed map. The result is sorted.
func (e *Env) Merge(extra []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.global)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.global {
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

// ForTenant is Merge with TenantKey set to tenant.
func (e *Env) ForTenant(tenant string, extra ...string) []string {
	kv := make([]string, 0, len(extra)+1)
	kv = append(kv, extra...)
	kv = append(kv, TenantKey+"="+tenant)
	return e.Merge(kv)
}

// Lookup returns the value of k in a "K=V" list.
func Lookup(list []string, k string) (string, bool) {
	for i := len(list) - 1; i >= 0; i-- {
		if key, v, ok := split(list[i]); ok && key == k {
			return v, true
		}
	}
	return "", false
}

func parse(kv []string) Var {
	m := make(Var, len(kv))
	for _, s := range kv {
		if k, v, ok := split(s); ok {
			m[k] = v
		}
	}
	return m
}

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}

// expand does a single pass of ${VAR} substitution. Unknown names are left as is.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
