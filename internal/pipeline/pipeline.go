// Package pipeline defines the declarative model for a matrix pipeline.
//
// A pipeline file declares an ordered set of matrix axes, the command steps
// every job runs, and the environment those steps observe. The declaration is
// pure data: nothing in this package executes commands.
package pipeline

// Axis is one dimension of the job matrix.
//
// Declaration order of axes is canonical: it fixes job naming and the order
// in which the matrix is expanded. Values are expanded in declared order.
type Axis struct {
	// Name identifies the axis ("python", "backend").
	Name string `yaml:"name"`

	// Env is the environment variable the axis value is exported under
	// inside each job. Optional; defaults to MATRIX_<NAME> uppercased.
	Env string `yaml:"env,omitempty"`

	// Values are the axis values, expanded in declared order.
	Values []string `yaml:"values"`
}

// EnvName returns the exported variable name for this axis.
func (a Axis) EnvName() string {
	if a.Env != "" {
		return a.Env
	}
	return defaultEnvName(a.Name)
}

// Selector is a partial assignment of axis name to value, used by
// exclude entries. A cell matches a selector when every listed pair
// matches the cell's value for that axis.
type Selector map[string]string

// Assignment is a full assignment of axis name to value, used by
// include entries to append extra cells.
type Assignment map[string]string

// When gates a step on matrix values. Keys are axis names; values are the
// accepted axis values. A step runs in a job only if, for every listed axis,
// the job's value is among the accepted values. An empty When always matches.
type When map[string][]string

// Step is a single command executed inside a job.
type Step struct {
	// Name identifies the step within the job ("install", "lint", "test").
	Name string `yaml:"name"`

	// Run is the shell command string, interpreted by `sh -c`.
	Run string `yaml:"run"`

	// Env is extra environment for this step only. It overrides pipeline
	// and matrix environment on key collision.
	Env map[string]string `yaml:"env,omitempty"`

	// When restricts the step to matching matrix cells.
	When When `yaml:"when,omitempty"`
}

// Pipeline is the parsed declaration of a matrix run.
type Pipeline struct {
	// Name is the pipeline identifier, used in logs and reports.
	Name string `yaml:"name"`

	// Axes are the matrix dimensions, in canonical declaration order.
	Axes []Axis `yaml:"axes,omitempty"`

	// Exclude removes matching cells from the expanded matrix.
	Exclude []Selector `yaml:"exclude,omitempty"`

	// Include appends extra cells after exclusion.
	Include []Assignment `yaml:"include,omitempty"`

	// Env is injected into every step of every job.
	Env map[string]string `yaml:"env,omitempty"`

	// PassEnv lists host environment variables passed through to steps.
	// Everything not listed here is invisible to the job: the step
	// environment is built from an empty base, allowlist-style.
	PassEnv []string `yaml:"pass_env,omitempty"`

	// Steps are the main job steps, run in order.
	Steps []Step `yaml:"steps"`

	// AfterSuccess steps run only when every main step of the job passed.
	AfterSuccess []Step `yaml:"after_success,omitempty"`

	// Artifacts are paths (files or directories, relative to the job
	// working directory) collected after a job passes.
	Artifacts []string `yaml:"artifacts,omitempty"`
}

// AxisNames returns the axis names in canonical order.
func (p *Pipeline) AxisNames() []string {
	names := make([]string, len(p.Axes))
	for i, a := range p.Axes {
		names[i] = a.Name
	}
	return names
}

// AxisByName returns the axis with the given name, if declared.
func (p *Pipeline) AxisByName(name string) (Axis, bool) {
	for _, a := range p.Axes {
		if a.Name == name {
			return a, true
		}
	}
	return Axis{}, false
}
