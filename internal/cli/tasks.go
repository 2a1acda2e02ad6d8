package cli

import (
	"context"

	"plansync/internal/model"
	"plansync/internal/planner"

	"github.com/spf13/cobra"
)

func newTasksCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Create, update and delete tasks",
	}
	cmd.AddCommand(newTasksAddCmd(app))
	cmd.AddCommand(newTasksListCmd(app))
	cmd.AddCommand(newTasksUpdateCmd(app))
	cmd.AddCommand(newTasksDoneCmd(app))
	cmd.AddCommand(newTasksLinkCmd(app))
	cmd.AddCommand(newTasksDeleteCmd(app))
	return cmd
}

func newTasksAddCmd(app *App) *cobra.Command {
	var (
		t          model.Task
		priority   string
		toCalendar bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := model.ParsePriority(priority)
			if err != nil {
				return writeErr(cmd, err)
			}
			t.Priority = p
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				return svc.AddTask(ctx, t, toCalendar)
			})
		},
	}
	cmd.Flags().StringVar(&t.Title, "title", "", "Task title (required)")
	cmd.Flags().StringVar(&t.Description, "description", "", "Description")
	cmd.Flags().StringVar(&t.Date, "date", "", "Due date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&t.Reminder, "reminder", "", "Reminder time (HH:MM)")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority (low|medium|high)")
	cmd.Flags().StringVar(&t.List, "list", "", "List name (default: Personal)")
	cmd.Flags().BoolVar(&toCalendar, "calendar", false, "Also put the task on the calendar")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newTasksListCmd(app *App) *cobra.Command {
	var (
		list     string
		openOnly bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				tasks, err := svc.Tasks(ctx)
				if err != nil {
					return nil, err
				}
				out := []model.Task{}
				for _, t := range tasks {
					if list != "" && t.List != list {
						continue
					}
					if openOnly && t.Completed {
						continue
					}
					out = append(out, t)
				}
				return out, nil
			})
		},
	}
	cmd.Flags().StringVar(&list, "list", "", "Only tasks in this list")
	cmd.Flags().BoolVar(&openOnly, "open", false, "Only incomplete tasks")
	return cmd
}

func newTasksUpdateCmd(app *App) *cobra.Command {
	var (
		title, description, date, reminder, priority, list string
	)
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Update a task; a linked calendar event follows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return writeErr(cmd, err)
			}
			var patch planner.TaskPatch
			flags := cmd.Flags()
			if flags.Changed("title") {
				patch.Title = &title
			}
			if flags.Changed("description") {
				patch.Description = &description
			}
			if flags.Changed("date") {
				patch.Date = &date
			}
			if flags.Changed("reminder") {
				patch.Reminder = &reminder
			}
			if flags.Changed("priority") {
				p, err := model.ParsePriority(priority)
				if err != nil {
					return writeErr(cmd, err)
				}
				patch.Priority = &p
			}
			if flags.Changed("list") {
				patch.List = &list
			}
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				return svc.UpdateTask(ctx, id, patch)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "New title")
	cmd.Flags().StringVar(&description, "description", "", "New description")
	cmd.Flags().StringVar(&date, "date", "", "New date (YYYY-MM-DD, empty to clear)")
	cmd.Flags().StringVar(&reminder, "reminder", "", "New reminder (HH:MM, empty to clear)")
	cmd.Flags().StringVar(&priority, "priority", "", "New priority (low|medium|high|none)")
	cmd.Flags().StringVar(&list, "list", "", "Move to list")
	return cmd
}

func newTasksDoneCmd(app *App) *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "done <task-id>",
		Short: "Mark a task complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return writeErr(cmd, err)
			}
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				return svc.CompleteTask(ctx, id, !undo)
			})
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "Mark incomplete instead")
	return cmd
}

func newTasksLinkCmd(app *App) *cobra.Command {
	var habit bool
	cmd := &cobra.Command{
		Use:   "link <task-id>",
		Short: "Put a task on the calendar (or refresh its event)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return writeErr(cmd, err)
			}
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				if habit {
					return svc.HabitFromTask(ctx, id)
				}
				return svc.LinkTask(ctx, id)
			})
		},
	}
	cmd.Flags().BoolVar(&habit, "habit", false, "Convert to a habit instead of an event")
	return cmd
}

func newTasksDeleteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <task-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a task and its calendar event",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return writeErr(cmd, err)
			}
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				return svc.DeleteTask(ctx, id)
			})
		},
	}
}
