package cli

import (
	"path/filepath"
	"strings"
)

// Invocation is the fully canonicalized description of a command
// invocation: all paths cleaned, all relative paths resolved against the
// working directory. Requiring an explicit absolute working directory keeps
// runs independent of the process current directory.
type Invocation struct {
	PipelinePath string
	WorkDir      string
	StateDir     string
	ReportPath   string
	Workers      int
	FailFast     bool
}

// Resolve canonicalizes the options into an Invocation.
func (o Options) Resolve() (Invocation, error) {
	workDir := filepath.Clean(o.WorkDir)
	if strings.TrimSpace(o.WorkDir) == "" {
		return Invocation{}, exitErrorf(ExitInvalidInvocation, "--workdir is required")
	}
	if !filepath.IsAbs(workDir) {
		return Invocation{}, exitErrorf(ExitInvalidInvocation, "--workdir must be an absolute path (got %q)", o.WorkDir)
	}

	if o.Workers <= 0 {
		return Invocation{}, exitErrorf(ExitInvalidInvocation, "--workers must be > 0 (got %d)", o.Workers)
	}

	pipelinePath, err := resolveUnderWorkDir(workDir, o.PipelinePath, "--pipeline")
	if err != nil {
		return Invocation{}, err
	}

	stateDir := workDir
	if strings.TrimSpace(o.StateDir) != "" {
		stateDir, err = resolveUnderWorkDir(workDir, o.StateDir, "--state-dir")
		if err != nil {
			return Invocation{}, err
		}
	}

	inv := Invocation{
		PipelinePath: pipelinePath,
		WorkDir:      workDir,
		StateDir:     stateDir,
		Workers:      o.Workers,
		FailFast:     o.FailFast,
	}

	if strings.TrimSpace(o.ReportPath) != "" {
		inv.ReportPath, err = resolveUnderWorkDir(workDir, o.ReportPath, "--report")
		if err != nil {
			return Invocation{}, err
		}
	}

	return inv, nil
}

// resolveUnderWorkDir cleans p and, when relative, resolves it against the
// absolute working directory so the process CWD is never consulted.
func resolveUnderWorkDir(workDir, p, flag string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", exitErrorf(ExitInvalidInvocation, "%s must not be empty", flag)
	}
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	return filepath.Clean(filepath.Join(workDir, clean)), nil
}
