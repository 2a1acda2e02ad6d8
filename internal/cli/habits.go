package cli

import (
	"context"

	"plansync/internal/model"
	"plansync/internal/planner"

	"github.com/spf13/cobra"
)

func newHabitsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "habits",
		Short: "Track habits and streaks",
	}

	var h model.Habit
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a habit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				return svc.AddHabit(ctx, h)
			})
		},
	}
	addCmd.Flags().StringVar(&h.Title, "title", "", "Habit title (required)")
	addCmd.Flags().StringVar(&h.Description, "description", "", "Description")
	addCmd.Flags().StringVar(&h.Category, "category", "", "Category (default: General)")
	addCmd.Flags().StringVar(&h.Frequency, "frequency", "daily", "Frequency")
	addCmd.Flags().IntVar(&h.Target, "target", 1, "Target per period")
	addCmd.Flags().StringVar(&h.Unit, "unit", "times", "Unit")
	_ = addCmd.MarkFlagRequired("title")

	var activeOnly bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List habits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				habits, err := svc.Habits(ctx)
				if err != nil || !activeOnly {
					return habits, err
				}
				out := []model.Habit{}
				for _, h := range habits {
					if h.IsActive {
						out = append(out, h)
					}
				}
				return out, nil
			})
		},
	}
	listCmd.Flags().BoolVar(&activeOnly, "active", false, "Only active habits")

	fromTaskCmd := &cobra.Command{
		Use:   "from-task <task-id>",
		Short: "Convert a task into a habit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return writeErr(cmd, err)
			}
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				return svc.HabitFromTask(ctx, id)
			})
		},
	}

	var day string
	checkCmd := &cobra.Command{
		Use:   "check <habit-id>",
		Short: "Toggle a day's completion (default: today)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return writeErr(cmd, err)
			}
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				return svc.ToggleHabit(ctx, id, day)
			})
		},
	}
	checkCmd.Flags().StringVar(&day, "day", "", "Day to toggle (YYYY-MM-DD)")

	deleteCmd := &cobra.Command{
		Use:     "delete <habit-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a habit",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return writeErr(cmd, err)
			}
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				return svc.DeleteHabit(ctx, id)
			})
		},
	}

	cmd.AddCommand(addCmd, listCmd, fromTaskCmd, checkCmd, deleteCmd)
	return cmd
}
