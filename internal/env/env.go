package env

import (
	"os"
	"sort"
	"strings"
)

// Var is a set of environment variables keyed by name.
type Var map[string]string

// Parse converts "K=V" entries into a Var. Entries without '=' or with an
// empty key are dropped; later entries win.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// Overlay returns a new Var with the entries of over applied on top of v.
func (v Var) Overlay(over Var) Var {
	out := make(Var, len(v)+len(over))
	for k, val := range v {
		out[k] = val
	}
	for k, val := range over {
		if k == "" {
			continue
		}
		out[k] = val
	}
	return out
}

// List renders v as sorted "K=V" entries.
func (v Var) List() []string {
	out := make([]string, 0, len(v))
	for k, val := range v {
		if k == "" {
			continue
		}
		out = append(out, k+"="+val)
	}
	sort.Strings(out)
	return out
}

// Env composes a child environment from a base and ordered layers.
type Env struct {
	base Var
}

// New returns an Env with an empty base.
func New() *Env { return &Env{base: make(Var)} }

// FromOS returns an Env whose base is the current process environment.
func FromOS() *Env { return &Env{base: Parse(os.Environ())} }

// Merge applies layers in order over the base and returns "K=V" entries.
// Values are taken literally; no ${VAR} expansion is performed.
func (e *Env) Merge(layers ...Var) []string {
	m := e.base
	for _, l := range layers {
		m = m.Overlay(l)
	}
	return m.List()
}
