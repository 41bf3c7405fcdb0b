package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/techfest/festdb/internal/api"
	"github.com/techfest/festdb/internal/backend"
	"github.com/techfest/festdb/internal/client"
	"github.com/techfest/festdb/internal/config"
	"github.com/techfest/festdb/internal/logging"
	"github.com/techfest/festdb/internal/output"
)

// errLocalOnly is returned by commands that need the stores themselves.
var errLocalOnly = errors.New("this command runs against local stores; drop --server")

// app carries the global flags.
type app struct {
	version    string
	configPath string
	server     string
	token      string
	jsonOut    bool
	verbose    bool
}

// session is a client plus, in local mode, the backend it talks to.
type session struct {
	*client.Client
	backend *backend.Backend
	server  *api.Server
}

// Local reports whether the session runs against in-process stores.
func (s *session) Local() bool { return s.backend != nil }

func (a *app) loadConfig() (config.Config, error) {
	return config.Load(a.configPath)
}

// logger writes to stderr; local commands stay quiet below warn unless
// --verbose is given.
func (a *app) logger(cfg config.Config) *slog.Logger {
	lc := cfg.Log
	lc.Format = "text"
	if !a.verbose {
		lc.Level = "warn"
	}
	return logging.New(lc, os.Stderr)
}

// openBackend opens the stores and journal named by the config.
func (a *app) openBackend(ctx context.Context) (*backend.Backend, *slog.Logger, error) {
	if a.server != "" {
		return nil, nil, errLocalOnly
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := a.logger(cfg)
	b, err := backend.Open(ctx, cfg, backend.WithLogger(logger))
	return b, logger, err
}

// connect returns a client for --server, or one bound to an in-process API
// over the local stores. Both paths go through the same HTTP handlers.
func (a *app) connect(ctx context.Context) (*session, error) {
	if a.server != "" {
		return &session{Client: client.New(a.server, a.token)}, nil
	}
	b, logger, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}
	sc := b.Config.Server
	sc.RateLimit = 0
	srv := api.NewServer(sc, b.Facade,
		api.WithLogger(logger),
		api.WithCoordinator(b.Coordinator),
	)
	return &session{
		Client:  client.NewLocal(srv.Handler(), sc.AdminToken),
		backend: b,
		server:  srv,
	}, nil
}

// settle replays whatever the command queued so local writes reach the
// backup before the process exits. Failures stay in the queue.
func (s *session) settle(ctx context.Context) {
	if !s.Local() || s.backend.Coordinator.Running() {
		return
	}
	res, err := s.backend.Coordinator.DrainOnce(ctx)
	if err != nil {
		output.Warning("replication deferred: %v", err)
		return
	}
	if res.Failed > 0 {
		output.Warning("%d replication task(s) failed and will be retried by `festdb sync run`", res.Failed)
	}
}

// Close releases the local backend, if any.
func (s *session) Close() error {
	if !s.Local() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.backend.Config.Server.ShutdownTimeout.Std())
	defer cancel()
	_ = s.server.Shutdown(ctx)
	return s.backend.Close(ctx)
}

// withSession runs fn with a connected session and reports its error the
// way every command does.
func (a *app) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := a.connect(ctx)
	if err != nil {
		return fail(err)
	}
	defer s.Close()
	if err := fn(ctx, s); err != nil {
		return fail(err)
	}
	return nil
}

// reported marks an error that has already been printed.
type reported struct{ error }

func (r reported) Unwrap() error { return r.error }

// fail prints err and returns it marked as reported.
func fail(err error) error {
	output.Error("%v", err)
	return reported{err}
}

// emit writes v as JSON when --json is set and otherwise calls human.
func (a *app) emit(w io.Writer, v any, human func()) error {
	if a.jsonOut {
		return output.WriteJSON(w, v)
	}
	human()
	return nil
}

// exactArgs requires n positional arguments and names them on failure.
func exactArgs(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("usage: %s %s", cmd.CommandPath(), usage)
		}
		return nil
	}
}
