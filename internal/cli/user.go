package cli

import (
	"path/filepath"

	"plansync/internal/flatstore"
	"plansync/internal/format"
	"plansync/internal/planner"
	"plansync/internal/session"

	"github.com/spf13/cobra"
)

func newUserCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage local accounts and the signed-in session",
	}

	var email, name, password string
	credFlags := func(c *cobra.Command, withName bool) {
		c.Flags().StringVar(&email, "email", "", "Account email (required)")
		c.Flags().StringVar(&password, "password", envOr("PLANSYNC_PASSWORD", ""), "Password (or PLANSYNC_PASSWORD)")
		if withName {
			c.Flags().StringVar(&name, "name", "", "Display name")
		}
		_ = c.MarkFlagRequired("email")
	}

	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Create a local account",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := app.loadEnv()
			if err != nil {
				return writeErr(cmd, err)
			}
			u, err := e.guard.Register(email, name, password)
			if err != nil {
				return writeErr(cmd, err)
			}
			return writeOut(cmd, app, format.Envelope{Data: u})
		},
	}
	credFlags(registerCmd, true)

	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and load the account's data into the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := app.loadEnv()
			if err != nil {
				return writeErr(cmd, err)
			}
			u, err := e.guard.Login(email, password)
			if err != nil {
				return writeErr(cmd, err)
			}
			p, err := planner.Open(cmd.Context(), planner.Options{
				KV:     e.kv,
				DBPath: filepath.Join(e.dataDir, indexFile),
				User:   &u,
				Logger: app.logger,
			})
			if err != nil {
				return writeErr(cmd, err)
			}
			_ = p.Close()
			return writeOut(cmd, app, format.Envelope{Data: u})
		},
	}
	credFlags(loginCmd, false)

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "End the session and wipe the session mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := app.loadEnv()
			if err != nil {
				return writeErr(cmd, err)
			}
			if err := flatstore.New(e.kv, nil, app.logger).ClearSession(); err != nil {
				return writeErr(cmd, err)
			}
			if err := e.guard.Logout(); err != nil {
				return writeErr(cmd, err)
			}
			return writeOut(cmd, app, format.Envelope{Data: map[string]any{"signedIn": false}})
		},
	}

	whoamiCmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := app.loadEnv()
			if err != nil {
				return writeErr(cmd, err)
			}
			u := e.guard.CurrentUser()
			if u == nil {
				return writeErr(cmd, session.ErrNotSignedIn)
			}
			return writeOut(cmd, app, format.Envelope{Data: u})
		},
	}

	cmd.AddCommand(registerCmd, loginCmd, logoutCmd, whoamiCmd)
	return cmd
}
