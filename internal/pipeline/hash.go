package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
)

// Hash is the deterministic identity of a pipeline declaration.
//
// Two declarations that expand to the same matrix and run the same steps in
// the same environment hash identically; any change to axes, excludes,
// includes, environment, steps, or artifacts produces a different hash.
// Resume eligibility is keyed on this value.
type Hash string

func (h Hash) String() string { return string(h) }

// ComputeHash computes the canonical SHA-256 identity of the declaration.
//
// The encoding is length-delimited and fully ordered: list sections keep
// declaration order (it is semantically significant), map sections are
// sorted by key so YAML map ordering never leaks into the hash.
func (p *Pipeline) ComputeHash() Hash {
	h := sha256.New()

	writeString(h, "name", p.Name)

	writeSection(h, "axes")
	for _, a := range p.Axes {
		writeString(h, "axis", a.Name)
		writeString(h, "env", a.EnvName())
		for _, v := range a.Values {
			writeString(h, "value", v)
		}
	}

	writeSection(h, "exclude")
	for _, sel := range p.Exclude {
		writeStringMap(h, map[string]string(sel))
	}
	writeSection(h, "include")
	for _, asn := range p.Include {
		writeStringMap(h, map[string]string(asn))
	}

	writeSection(h, "env")
	writeStringMap(h, p.Env)

	writeSection(h, "pass_env")
	passEnv := append([]string(nil), p.PassEnv...)
	sort.Strings(passEnv)
	for _, v := range passEnv {
		writeString(h, "var", v)
	}

	hashSteps(h, "steps", p.Steps)
	hashSteps(h, "after_success", p.AfterSuccess)

	writeSection(h, "artifacts")
	for _, a := range p.Artifacts {
		writeString(h, "path", a)
	}

	return Hash(hex.EncodeToString(h.Sum(nil)))
}

func hashSteps(w io.Writer, section string, steps []Step) {
	writeSection(w, section)
	for _, s := range steps {
		writeString(w, "step", s.Name)
		writeString(w, "run", s.Run)
		writeStringMap(w, s.Env)

		axes := make([]string, 0, len(s.When))
		for axis := range s.When {
			axes = append(axes, axis)
		}
		sort.Strings(axes)
		for _, axis := range axes {
			writeString(w, "when", axis)
			for _, v := range s.When[axis] {
				writeString(w, "accept", v)
			}
		}
	}
}

func writeSection(w io.Writer, name string) {
	fmt.Fprintf(w, "#%d:%s\n", len(name), name)
}

func writeString(w io.Writer, tag, value string) {
	fmt.Fprintf(w, "%s:%d:%s\n", tag, len(value), value)
}

func writeStringMap(w io.Writer, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeString(w, "key", k)
		writeString(w, "val", m[k])
	}
}
