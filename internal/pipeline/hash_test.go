package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, in string) *Pipeline {
	t.Helper()
	p, err := Parse(strings.NewReader(in), "pipeline.yaml")
	require.NoError(t, err)
	return p
}

func TestComputeHashStable(t *testing.T) {
	p := mustParse(t, sampleYAML)
	assert.Equal(t, p.ComputeHash(), p.ComputeHash())
	assert.Len(t, string(p.ComputeHash()), 64)
}

func TestComputeHashIgnoresEnvMapOrder(t *testing.T) {
	a := mustParse(t, `
name: demo
axes:
  - name: backend
    values: [numpy]
env:
  A: "1"
  B: "2"
steps:
  - name: test
    run: "true"
`)
	b := mustParse(t, `
name: demo
axes:
  - name: backend
    values: [numpy]
env:
  B: "2"
  A: "1"
steps:
  - name: test
    run: "true"
`)
	assert.Equal(t, a.ComputeHash(), b.ComputeHash())
}

func TestComputeHashChangesOnEdit(t *testing.T) {
	base := mustParse(t, sampleYAML)

	edits := []struct {
		name   string
		mutate func(*Pipeline)
	}{
		{"step command", func(p *Pipeline) { p.Steps[0].Run = "pip install -e ." }},
		{"axis value order", func(p *Pipeline) {
			p.Axes[1].Values = []string{"pytorch", "numpy", "tensorflow"}
		}},
		{"exclude removed", func(p *Pipeline) { p.Exclude = nil }},
		{"when widened", func(p *Pipeline) {
			p.Steps[2].When = When{"backend": {"numpy", "pytorch"}}
		}},
		{"after_success removed", func(p *Pipeline) { p.AfterSuccess = nil }},
		{"artifact added", func(p *Pipeline) { p.Artifacts = append(p.Artifacts, "junit.xml") }},
		{"pass_env changed", func(p *Pipeline) { p.PassEnv = []string{"PATH"} }},
	}

	for _, tt := range edits {
		t.Run(tt.name, func(t *testing.T) {
			p := mustParse(t, sampleYAML)
			tt.mutate(p)
			assert.NotEqual(t, base.ComputeHash(), p.ComputeHash())
		})
	}
}
