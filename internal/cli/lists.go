package cli

import (
	"context"

	"plansync/internal/planner"

	"github.com/spf13/cobra"
)

func newListsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lists",
		Short: "Manage lists (Personal, Work and Shopping are built in)",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show list names in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				return svc.Lists(ctx)
			})
		},
	}

	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				if err := svc.AddList(ctx, args[0]); err != nil {
					return nil, err
				}
				return svc.Lists(ctx)
			})
		},
	}

	renameCmd := &cobra.Command{
		Use:   "rename <from> <to>",
		Short: "Rename a list and every task and event in it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				return svc.RenameList(ctx, args[0], args[1])
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a list; its tasks and events move to no list",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withPlanner(cmd, func(ctx context.Context, svc *planner.Service) (any, error) {
				return svc.DeleteList(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(listCmd, addCmd, renameCmd, deleteCmd)
	return cmd
}
