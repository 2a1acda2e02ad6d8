package cli

import (
	"context"
	"strings"

	"plansync/internal/model"
	"plansync/internal/planner"

	"github.com/spf13/cobra"
)

func newEventsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Manage calendar events",
	}

	var (
		ev       model.Event
		list     string
		priority string
		asTask   bool
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a local calendar event",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := model.ParsePriority(priority)
			if err != nil {
				return writeErr(cmd, err)
			}
			ev.Priority = p
			ev.List = optionalList(list)
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				return svc.AddEvent(ctx, ev, asTask)
			})
		},
	}
	addCmd.Flags().StringVar(&ev.Title, "title", "", "Event title (required)")
	addCmd.Flags().StringVar(&ev.Description, "description", "", "Description")
	addCmd.Flags().StringVar(&ev.Date, "date", "", "Start date (YYYY-MM-DD, required)")
	addCmd.Flags().StringVar(&ev.Time, "time", "", "Start time (HH:MM)")
	addCmd.Flags().StringVar(&ev.EndDate, "end-date", "", "End date (default: start date)")
	addCmd.Flags().StringVar(&ev.EndTime, "end-time", "", "End time (HH:MM)")
	addCmd.Flags().StringVar(&list, "list", "", "List name")
	addCmd.Flags().StringVar(&priority, "priority", "", "Priority (low|medium|high)")
	addCmd.Flags().BoolVar(&asTask, "as-task", false, "Also add the event as a task")
	_ = addCmd.MarkFlagRequired("title")
	_ = addCmd.MarkFlagRequired("date")

	var from, to string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List events, optionally within a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				events, err := svc.Events(ctx)
				if err != nil {
					return nil, err
				}
				out := []model.Event{}
				for _, ev := range events {
					if from != "" && ev.EndDate < from {
						continue
					}
					if to != "" && ev.Date > to {
						continue
					}
					out = append(out, ev)
				}
				return out, nil
			})
		},
	}
	listCmd.Flags().StringVar(&from, "from", "", "Only events ending on or after this date")
	listCmd.Flags().StringVar(&to, "to", "", "Only events starting on or before this date")

	linkCmd := &cobra.Command{
		Use:   "link <event-id>",
		Short: "Add an event as a task (or refresh the derived task)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return writeErr(cmd, err)
			}
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				return svc.LinkEvent(ctx, id)
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:     "delete <event-id>",
		Aliases: []string{"rm"},
		Short:   "Delete an event and the task linked to it",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return writeErr(cmd, err)
			}
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				return svc.DeleteEvent(ctx, id)
			})
		},
	}

	cmd.AddCommand(addCmd, listCmd, linkCmd, deleteCmd)
	return cmd
}

func optionalList(name string) *string {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	return &name
}
