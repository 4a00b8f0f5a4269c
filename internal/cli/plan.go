package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"matrixci/internal/matrix"
	"matrixci/internal/pipeline"
)

// planJob is the JSON shape of one planned job.
type planJob struct {
	ID  string            `json:"id"`
	Env map[string]string `json:"env"`
}

func (r *RootCommand) newPlanCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the expanded job matrix without executing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inv, err := r.opts.Resolve()
			if err != nil {
				return err
			}

			p, err := pipeline.Load(inv.PipelinePath)
			if err != nil {
				return err
			}
			jobs, err := matrix.Expand(p)
			if err != nil {
				return exitErrorf(ExitConfigError, "expanding matrix: %v", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				plan := make([]planJob, len(jobs))
				for i, j := range jobs {
					plan[i] = planJob{ID: j.ID, Env: j.Env}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(plan)
			}

			fmt.Fprintf(out, "pipeline %s: %d jobs (hash %s)\n", p.Name, len(jobs), p.ComputeHash())
			for _, j := range jobs {
				fmt.Fprintf(out, "  %s\n", j.ID)
				keys := make([]string, 0, len(j.Env))
				for k := range j.Env {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(out, "    %s=%s\n", k, j.Env[k])
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the plan as JSON")
	return cmd
}
