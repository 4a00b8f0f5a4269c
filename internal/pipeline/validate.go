package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks structural invariants of the declaration.
//
// Validation is purely structural: whether the expanded matrix is non-empty
// after excludes is decided at expansion time, where the full cell set exists.
func (p *Pipeline) Validate() error {
	var errs []error

	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}

	seenAxes := make(map[string]bool, len(p.Axes))
	for i, a := range p.Axes {
		if strings.TrimSpace(a.Name) == "" {
			errs = append(errs, fmt.Errorf("axes[%d]: name is required", i))
			continue
		}
		if seenAxes[a.Name] {
			errs = append(errs, fmt.Errorf("axes[%d]: duplicate axis %q", i, a.Name))
		}
		seenAxes[a.Name] = true

		if len(a.Values) == 0 {
			errs = append(errs, fmt.Errorf("axis %q: at least one value is required", a.Name))
		}
		seenVals := make(map[string]bool, len(a.Values))
		for _, v := range a.Values {
			if strings.TrimSpace(v) == "" {
				errs = append(errs, fmt.Errorf("axis %q: empty value", a.Name))
				continue
			}
			if seenVals[v] {
				errs = append(errs, fmt.Errorf("axis %q: duplicate value %q", a.Name, v))
			}
			seenVals[v] = true
		}
	}

	for i, sel := range p.Exclude {
		if len(sel) == 0 {
			errs = append(errs, fmt.Errorf("exclude[%d]: empty selector would remove every cell", i))
		}
		for axis, val := range sel {
			if err := p.checkAxisValue(axis, val); err != nil {
				errs = append(errs, fmt.Errorf("exclude[%d]: %w", i, err))
			}
		}
	}

	for i, asn := range p.Include {
		if len(asn) != len(p.Axes) {
			errs = append(errs, fmt.Errorf("include[%d]: must assign every axis (%d of %d assigned)", i, len(asn), len(p.Axes)))
		}
		for axis := range asn {
			if !seenAxes[axis] {
				errs = append(errs, fmt.Errorf("include[%d]: unknown axis %q", i, axis))
			}
		}
	}

	if len(p.Steps) == 0 {
		errs = append(errs, errors.New("at least one step is required"))
	}
	errs = append(errs, p.validateSteps("steps", p.Steps)...)
	errs = append(errs, p.validateSteps("after_success", p.AfterSuccess)...)

	for i, v := range p.PassEnv {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("pass_env[%d]: empty variable name", i))
		}
	}
	for i, a := range p.Artifacts {
		if strings.TrimSpace(a) == "" {
			errs = append(errs, fmt.Errorf("artifacts[%d]: empty path", i))
		}
	}

	return errors.Join(errs...)
}

func (p *Pipeline) validateSteps(section string, steps []Step) []error {
	var errs []error
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if strings.TrimSpace(s.Name) == "" {
			errs = append(errs, fmt.Errorf("%s[%d]: name is required", section, i))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("%s[%d]: duplicate step name %q", section, i, s.Name))
		}
		seen[s.Name] = true

		if strings.TrimSpace(s.Run) == "" {
			errs = append(errs, fmt.Errorf("%s[%d] (%s): run is required", section, i, s.Name))
		}

		for axis, vals := range s.When {
			if len(vals) == 0 {
				errs = append(errs, fmt.Errorf("%s[%d] (%s): when.%s lists no values", section, i, s.Name, axis))
			}
			for _, v := range vals {
				if err := p.checkAxisValue(axis, v); err != nil {
					errs = append(errs, fmt.Errorf("%s[%d] (%s): when: %w", section, i, s.Name, err))
				}
			}
		}
	}
	return errs
}

// checkAxisValue verifies that axis exists and value is one of its declared
// values. Gating or excluding on a value that can never occur is always a
// declaration mistake.
func (p *Pipeline) checkAxisValue(axis, value string) error {
	a, ok := p.AxisByName(axis)
	if !ok {
		return fmt.Errorf("unknown axis %q", axis)
	}
	for _, v := range a.Values {
		if v == value {
			return nil
		}
	}
	return fmt.Errorf("axis %q has no value %q", axis, value)
}
