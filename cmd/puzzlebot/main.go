package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/puzzle-sync/internal/logging"
	"github.com/DoyleJ11/puzzle-sync/internal/participant"
)

type botOptions struct {
	server   string
	session  string
	name     string
	imageURL string
	width    int
	height   int
	grid     int
	steps    int
	pause    time.Duration
	timeout  time.Duration
	verbose  bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &botOptions{}
	cmd := &cobra.Command{
		Use:   "puzzlebot",
		Short: "Join a puzzle session and solve it",
		Long: `Join a shared jigsaw session as a participant and place every piece it can
get a lock on. Without --session a new session is created first.

Example:
  puzzlebot --server http://localhost:8080 --grid 5
  puzzlebot --session 3f2a... --name "bot 2"`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := "info"
			if opts.verbose {
				level = "debug"
			}
			log, err := logging.New(level, true)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}
			return runBot(ctx, opts, log, cmd)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.server, "server", "http://localhost:8080", "coordinator base URL")
	f.StringVar(&opts.session, "session", "", "session to join (created when empty)")
	f.StringVar(&opts.name, "name", "puzzlebot", "display name")
	f.StringVar(&opts.imageURL, "image", "/images/sample.jpg", "image URL for a new session")
	f.IntVar(&opts.width, "width", 800, "image width for a new session")
	f.IntVar(&opts.height, "height", 600, "image height for a new session")
	f.IntVar(&opts.grid, "grid", 3, "grid size for a new session (3, 5 or 8)")
	f.IntVar(&opts.steps, "steps", 8, "intermediate drag positions per piece")
	f.DurationVar(&opts.pause, "pause", 20*time.Millisecond, "delay between drag steps")
	f.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "give up after this long (0 = never)")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func runBot(ctx context.Context, opts *botOptions, log *zap.Logger, cmd *cobra.Command) error {
	b, err := participant.NewBootstrap(opts.server, nil)
	if err != nil {
		return err
	}
	sessionID := opts.session
	if sessionID == "" {
		sessionID, err = b.CreateSession(ctx, participant.NewSessionRequest{
			ImageURL:    opts.imageURL,
			ImageWidth:  opts.width,
			ImageHeight: opts.height,
			GridSize:    opts.grid,
		})
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created session %s\n", sessionID)
	}

	user, err := b.Join(ctx, sessionID, opts.name)
	if err != nil {
		return fmt.Errorf("join %s: %w", sessionID, err)
	}
	log = log.With(zap.String("session", sessionID), zap.String("user", user.ID))
	log.Info("joined", zap.String("name", user.Name), zap.String("color", user.Color))

	conn, err := participant.Dial(ctx, b.WebsocketURL(sessionID, user.ID), log)
	if err != nil {
		return err
	}
	p := participant.New(conn, participant.WithLogger(log))

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return conn.Run(gctx) })
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		s := &solver{p: p, log: log, steps: opts.steps, pause: opts.pause}
		placed, err := s.solve(gctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "puzzle complete, placed %d pieces\n", placed)
		return nil
	})

	err = g.Wait()
	var ce *participant.ChannelError
	if errors.As(err, &ce) {
		return fmt.Errorf("lost connection to coordinator: %w", err)
	}
	return err
}
