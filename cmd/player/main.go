package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamcore/internal/core/player"
	"streamcore/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type playerFlags struct {
	playlistURL    string
	eventsURL      string
	maxBehind      time.Duration
	edgeMargin     time.Duration
	bufferWindow   time.Duration
	maxFailures    int
	statusInterval time.Duration
	logLevel       string
	logFormat      string
}

func main() {
	// .env is optional, same as the server.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f playerFlags
	defaults := player.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "player",
		Short: "Headless live player.",
		Long: `Follows a live HLS playlist with a simulated playhead, keeping it close to
the live edge, and optionally listens to the stream's event socket so the
playback ends when the broadcast does.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlayer(cmd.Context(), f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.playlistURL, "url", "", "HLS playlist URL (media or master)")
	flags.StringVar(&f.eventsURL, "events", "", "stream event websocket URL, e.g. ws://host/ws/streams/<id>/events?viewer=cli")
	flags.DurationVar(&f.maxBehind, "max-behind", defaults.Sync.MaxBehind, "seek to live when further behind than this")
	flags.DurationVar(&f.edgeMargin, "edge-margin", defaults.Sync.EdgeMargin, "distance from the live edge to seek to")
	flags.DurationVar(&f.bufferWindow, "buffer-window", defaults.Sync.BufferWindow, "buffered media needed to leave buffering")
	flags.IntVar(&f.maxFailures, "max-failures", defaults.MaxManifestFailures, "consecutive playlist failures before the player errors")
	flags.DurationVar(&f.statusInterval, "status-interval", 2*time.Second, "how often to log playback status")
	flags.StringVar(&f.logLevel, "log-level", "info", "log level")
	flags.StringVar(&f.logFormat, "log-format", "console", "log format (json or console)")
	_ = cmd.MarkFlagRequired("url")

	return cmd
}

func runPlayer(parent context.Context, f playerFlags) error {
	zapLogger, err := logger.New(f.logLevel, f.logFormat)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := player.Config{
		Sync: player.SyncConfig{
			MaxBehind:    f.maxBehind,
			EdgeMargin:   f.edgeMargin,
			BufferWindow: f.bufferWindow,
		},
		MaxManifestFailures: f.maxFailures,
	}

	source := player.NewHTTPManifestSource(f.playlistURL, &http.Client{Timeout: 10 * time.Second})
	p := player.New(source, player.NewSimulatedClock(time.Now), cfg, log)
	p.OnStateChange(func(from, to player.State) {
		log.Infow("player state changed", "from", from, "to", to)
	})

	if f.eventsURL != "" {
		follower := newEventFollower(f.eventsURL, p, log)
		go follower.Run(ctx)
	}

	if err := p.Start(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	ticker := time.NewTicker(f.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			logStatus(log, p.Status())
			if err != nil && ctx.Err() == nil {
				return err
			}
			log.Info("player stopped")
			return nil
		case <-ticker.C:
			st := p.Status()
			logStatus(log, st)
			if st.State == player.StateError {
				log.Warnw("playlist unavailable, retrying", "error", st.LastError)
				if err := p.Retry(); err != nil {
					log.Debugw("retry refused", "error", err)
				}
			}
		}
	}
}

func logStatus(log *zap.SugaredLogger, st player.Status) {
	log.Infow("status",
		"state", st.State,
		"position", st.Position.Round(time.Millisecond),
		"live_edge", st.LiveEdge.Round(time.Millisecond),
		"behind_live", st.BehindLive.Round(time.Millisecond),
		"buffered", st.Buffered.Round(time.Millisecond),
		"seeks", st.Seeks,
		"failures", st.Failures,
	)
}
