package env

import (
	"os"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to the bot client: the supervisor's
// own environment as the base, overridden by config-supplied entries.
type Env struct {
	base Var
}

func New() *Env { return &Env{} }

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			if k == "" {
				continue
			}
			base[k] = kv[i+1:]
		}
	}
	e.base = base
}

// Compose returns the final environment in "K=V" form: the base (OS
// environment unless already cached) with overrides applied on top, and
// ${VAR} references expanded against the composed map. Expansion is a single
// pass, no recursion. Malformed override entries without a key are skipped.
func (e *Env) Compose(overrides []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(overrides))
	for k, v := range e.base {
		m[k] = v
	}
	for _, kv := range overrides {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	return out
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
