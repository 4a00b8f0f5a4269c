// Package matrix expands a pipeline's axes into concrete jobs.
//
// Expansion is pure: the same declaration always yields the same cells in
// the same order. Canonical order is axis declaration order crossed with
// value declaration order, with include cells appended last.
package matrix

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"matrixci/internal/pipeline"
)

// Cell is one point of the expanded matrix: an ordered assignment of a value
// to every axis. Order follows the pipeline's axis declaration order.
type Cell struct {
	Axes   []string
	Values []string
}

// Value returns the cell's value for the named axis.
func (c Cell) Value(axis string) (string, bool) {
	for i, a := range c.Axes {
		if a == axis {
			return c.Values[i], true
		}
	}
	return "", false
}

// ID renders the canonical job identifier, e.g. "python=3.8,backend=numpy".
// The empty cell (a pipeline with no axes) is identified as "default".
func (c Cell) ID() string {
	if len(c.Axes) == 0 {
		return "default"
	}
	parts := make([]string, len(c.Axes))
	for i, a := range c.Axes {
		parts[i] = a + "=" + c.Values[i]
	}
	return strings.Join(parts, ",")
}

// SanitizeID makes a job ID safe to use as a file or directory name.
// "python=3.8,backend=numpy" becomes "python-3.8_backend-numpy-<digest>".
// The digest covers the raw ID: character replacement alone can map two
// distinct IDs to the same name when axis values contain "-" or "_".
func SanitizeID(id string) string {
	sum := sha256.Sum256([]byte(id))
	r := strings.NewReplacer("=", "-", ",", "_", "/", "-")
	return r.Replace(id) + "-" + hex.EncodeToString(sum[:4])
}

// Matches reports whether the cell satisfies every pair of the selector.
func (c Cell) Matches(sel pipeline.Selector) bool {
	for axis, want := range sel {
		got, ok := c.Value(axis)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Job is a single runnable unit of the matrix: a cell plus the environment
// it exports to its steps.
type Job struct {
	// ID is the canonical job identifier, unique within the run.
	ID string

	// Cell is the matrix assignment this job executes under.
	Cell Cell

	// Env maps each axis's exported variable name to the cell value,
	// e.g. GEOMSTATS_BACKEND=numpy.
	Env map[string]string
}

// Expand computes the job list for a pipeline.
//
// Order: cross product in canonical order (first axis varies slowest),
// excludes applied, includes appended in declaration order. An expansion
// that yields zero jobs is an error: the run would silently do nothing.
func Expand(p *pipeline.Pipeline) ([]Job, error) {
	cells := crossProduct(p.Axes)

	if len(p.Exclude) > 0 {
		kept := cells[:0]
		for _, c := range cells {
			excluded := false
			for _, sel := range p.Exclude {
				if c.Matches(sel) {
					excluded = true
					break
				}
			}
			if !excluded {
				kept = append(kept, c)
			}
		}
		cells = kept
	}

	for i, asn := range p.Include {
		c, err := cellFromAssignment(p, asn)
		if err != nil {
			return nil, fmt.Errorf("include[%d]: %w", i, err)
		}
		cells = append(cells, c)
	}

	if len(cells) == 0 {
		return nil, fmt.Errorf("matrix is empty after exclusions")
	}

	jobs := make([]Job, 0, len(cells))
	seen := make(map[string]bool, len(cells))
	for _, c := range cells {
		id := c.ID()
		if seen[id] {
			return nil, fmt.Errorf("duplicate job %q (include repeats an existing cell)", id)
		}
		seen[id] = true
		jobs = append(jobs, Job{ID: id, Cell: c, Env: cellEnv(p, c)})
	}
	return jobs, nil
}

// crossProduct enumerates all cells in canonical order. A pipeline with no
// axes yields the single empty cell.
func crossProduct(axes []pipeline.Axis) []Cell {
	names := make([]string, len(axes))
	for i, a := range axes {
		names[i] = a.Name
	}

	total := 1
	for _, a := range axes {
		total *= len(a.Values)
	}

	cells := make([]Cell, 0, total)
	indices := make([]int, len(axes))
	for {
		values := make([]string, len(axes))
		for i, a := range axes {
			values[i] = a.Values[indices[i]]
		}
		cells = append(cells, Cell{Axes: names, Values: values})

		// Odometer increment, last axis fastest.
		i := len(axes) - 1
		for ; i >= 0; i-- {
			indices[i]++
			if indices[i] < len(axes[i].Values) {
				break
			}
			indices[i] = 0
		}
		if i < 0 {
			break
		}
	}
	return cells
}

func cellFromAssignment(p *pipeline.Pipeline, asn pipeline.Assignment) (Cell, error) {
	names := p.AxisNames()
	values := make([]string, len(names))
	for i, name := range names {
		v, ok := asn[name]
		if !ok {
			return Cell{}, fmt.Errorf("axis %q is not assigned", name)
		}
		values[i] = v
	}
	return Cell{Axes: names, Values: values}, nil
}

func cellEnv(p *pipeline.Pipeline, c Cell) map[string]string {
	env := make(map[string]string, len(c.Axes))
	for i, name := range c.Axes {
		axis, ok := p.AxisByName(name)
		if !ok {
			// Include cells are validated against declared axes, so the
			// axis always exists; fall back to the default export name.
			env[pipeline.Axis{Name: name}.EnvName()] = c.Values[i]
			continue
		}
		env[axis.EnvName()] = c.Values[i]
	}
	return env
}
