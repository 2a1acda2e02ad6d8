package cli

import (
	"context"
	"encoding/json"
	"os"

	"plansync/internal/format"
	"plansync/internal/planner"

	"github.com/spf13/cobra"
)

func newExportCmd(app *App) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the signed-in user's data as a JSON document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
					return svc.Export(), nil
				})
			}
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				b, err := json.MarshalIndent(svc.Export(), "", "  ")
				if err != nil {
					return nil, err
				}
				if err := os.WriteFile(out, append(b, '\n'), 0o600); err != nil {
					return nil, err
				}
				return map[string]any{"path": out, "bytes": len(b) + 1}, nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the export document to this file instead of stdout")
	return cmd
}

func newStatsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show storage usage for the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				return svc.Stats()
			})
		},
	}
}

func newSyncCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Reload storage written by other processes and refresh the session mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				if err := svc.Resync(ctx); err != nil {
					return nil, err
				}
				return svc.Stats()
			})
		},
	}
}

func newDoctorCmd(app *App) *cobra.Command {
	var fail bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check cross-references between tasks, events, habits and lists",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := app.openPlanner(cmd.Context())
			if err != nil {
				return writeErr(cmd, err)
			}
			defer func() { _ = p.Close() }()

			report, err := p.Doctor(cmd.Context())
			if err != nil {
				return writeErr(cmd, err)
			}
			if err := writeOut(cmd, app, format.Envelope{
				Data: report,
				Meta: map[string]any{
					"issues":    len(report.Issues),
					"hasErrors": report.HasErrors(),
				},
			}); err != nil {
				return err
			}
			if fail && report.HasErrors() {
				return writeErr(cmd, errDoctorIssuesFound)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fail, "fail", false, "Exit with non-zero status if errors are found")
	return cmd
}
