package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"plansync/internal/config"
	"plansync/internal/format"
	"plansync/internal/kv"
	"plansync/internal/notify"
	"plansync/internal/planner"
	"plansync/internal/session"

	"github.com/spf13/cobra"
)

const (
	storageFile = "storage.json"
	indexFile   = "index.sqlite"
)

type App struct {
	Dir        string
	PrettyJSON bool
	Format     string
	Verbose    bool

	logger *log.Logger
}

func NewRootCmd() *cobra.Command {
	app := &App{}

	cmd := &cobra.Command{
		Use:           "plansync",
		Short:         "Local-first tasks, calendar events and habits",
		SilenceUsage:  true,
		SilenceErrors: true,
		Example: strings.TrimSpace(`
  plansync user register --email a@x.com --password secret
  plansync user login --email a@x.com --password secret

  plansync tasks add --title "Pay rent" --date 2025-03-01 --priority high --calendar
  plansync tasks list
  plansync events add --title Standup --date 2025-03-03 --time 09:30 --as-task
  plansync habits check 3
`),
	}

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := format.Validate(app.Format); err != nil {
			return writeErr(cmd, err)
		}
		out := io.Discard
		if app.Verbose {
			out = cmd.ErrOrStderr()
		}
		app.logger = log.New(out, "plansync: ", log.LstdFlags)
		return nil
	}

	cmd.PersistentFlags().StringVar(&app.Dir, "dir", envOr("PLANSYNC_DIR", ""), "Data dir holding storage.json and index.sqlite (default: ~/.plansync/data)")
	cmd.PersistentFlags().BoolVar(&app.PrettyJSON, "pretty", false, "Pretty-print output")
	cmd.PersistentFlags().StringVar(&app.Format, "format", envOr("PLANSYNC_FORMAT", format.JSON), "Output format (json|edn)")
	cmd.PersistentFlags().BoolVarP(&app.Verbose, "verbose", "v", envOr("PLANSYNC_VERBOSE", "") != "", "Log storage diagnostics to stderr")

	cmd.AddCommand(newUserCmd(app))
	cmd.AddCommand(newTasksCmd(app))
	cmd.AddCommand(newEventsCmd(app))
	cmd.AddCommand(newHabitsCmd(app))
	cmd.AddCommand(newListsCmd(app))
	cmd.AddCommand(newExportCmd(app))
	cmd.AddCommand(newStatsCmd(app))
	cmd.AddCommand(newSyncCmd(app))
	cmd.AddCommand(newDoctorCmd(app))

	return cmd
}

// env is what every command needs before touching user data.
type env struct {
	cfg     *config.Config
	dataDir string
	kv      kv.Store
	guard   *session.Guard
}

func (app *App) loadEnv() (*env, error) {
	cfg, err := config.LoadOrInit()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	dir, err := config.ResolveDataDir(app.Dir, cfg)
	if err != nil {
		return nil, err
	}
	secret, err := cfg.Secret()
	if err != nil {
		return nil, err
	}
	store := kv.Open(filepath.Join(dir, storageFile), app.logger)
	guard := session.New(store, session.Config{
		Secret:          secret,
		IdleTimeout:     cfg.IdleTimeout(),
		AbsoluteTimeout: cfg.AbsoluteTimeout(),
	}, app.logger)
	return &env{cfg: cfg, dataDir: dir, kv: store, guard: guard}, nil
}

// openPlanner opens the signed-in user's planner and records the activity
// on the session.
func (app *App) openPlanner(ctx context.Context) (*planner.Service, error) {
	e, err := app.loadEnv()
	if err != nil {
		return nil, err
	}
	u := e.guard.CurrentUser()
	if u == nil {
		return nil, session.ErrNotSignedIn
	}
	if err := e.guard.Touch(); err != nil {
		app.logger.Printf("touch session: %v", err)
	}
	return planner.Open(ctx, planner.Options{
		KV:     e.kv,
		DBPath: filepath.Join(e.dataDir, indexFile),
		User:   u,
		Logger: app.logger,
	})
}

// withPlanner runs fn against the signed-in user's planner and closes it.
func (app *App) withPlanner(cmd *cobra.Command, fn func(ctx context.Context, p *planner.Service) (any, error)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := app.openPlanner(ctx)
	if err != nil {
		return writeErr(cmd, err)
	}
	defer func() { _ = p.Close() }()

	v, err := fn(ctx, p)
	if err != nil {
		return writeErr(cmd, err)
	}
	return writeOut(cmd, app, format.Envelope{Data: v})
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", planner.ErrInvalid, s)
	}
	return id, nil
}

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func writeOut(cmd *cobra.Command, app *App, v any) error {
	return format.Write(cmd.OutOrStdout(), v, app.Format, app.PrettyJSON)
}

// reportedError marks an error whose notification was already written.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

func writeErr(cmd *cobra.Command, err error) error {
	_ = notify.Error(cmd.ErrOrStderr(), err)
	return reportedError{err}
}

// Reported reports whether err was already shown to the user.
func Reported(err error) bool {
	var r reportedError
	return errors.As(err, &r)
}
