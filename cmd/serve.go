package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/huanndev/rustlink/internal/channels/discord"
	"github.com/huanndev/rustlink/internal/companion"
	"github.com/huanndev/rustlink/internal/config"
	"github.com/huanndev/rustlink/internal/conn"
	"github.com/huanndev/rustlink/internal/orchestrator"
	"github.com/huanndev/rustlink/internal/pairing"
	"github.com/huanndev/rustlink/internal/watch"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	levelVar := new(slog.LevelVar)
	levelVar.Set(parseLogLevel(cfg.Log.Level))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr,
		&slog.HandlerOptions{Level: levelVar})))

	// Chat adapter is optional: without a token the daemon still pairs,
	// connects and records, it just has nowhere to send notices.
	var adapter *discord.Adapter
	var notify orchestrator.Notifier
	var prompt pairing.Prompter
	if cfg.Discord.Token != "" {
		adapter, err = discord.New(cfg.Discord.Token)
		if err != nil {
			return err
		}
		notify, prompt = adapter, adapter
	} else {
		slog.Warn("no discord token configured, notices disabled")
	}

	orch := orchestrator.New(
		orchestratorConfig(cfg),
		db.Stores(),
		&companion.WSDialer{},
		pushNotifier(cfg),
		notify,
		prompt,
	)

	if adapter != nil {
		adapter.OnReply(orch.HandleReply)
		if err := adapter.Start(); err != nil {
			return err
		}
		defer adapter.Stop()
	}

	if watcher, err := config.NewWatcher(cfgPath); err == nil {
		watcher.OnChange(func(next *config.Config) {
			levelVar.Set(parseLogLevel(next.Log.Level))
			slog.Info("log level applied, other changes need a restart",
				"level", next.Log.Level)
		})
		if err := watcher.Start(); err != nil {
			slog.Debug("config watch unavailable", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("rustlink starting", "db", cfg.DBPath())
	return orch.Run(ctx)
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		Conn: conn.Config{
			Retry: conn.RetryConfig{
				MaxRetries: cfg.Conn.MaxRetries,
				BaseDelay:  cfg.Conn.BackoffBase.Std(),
				MaxDelay:   cfg.Conn.BackoffMax.Std(),
			},
			Health: conn.HealthConfig{
				FailureThreshold: cfg.Conn.FailureThreshold,
				SilenceThreshold: cfg.Conn.SilenceThreshold.Std(),
				MaxReconnects:    cfg.Conn.MaxReconnects,
			},
			CallTimeout: cfg.Conn.CallTimeout.Std(),
			RateLimit:   rate.Limit(cfg.Conn.RateLimit),
			RateBurst:   cfg.Conn.RateBurst,
		},
		Pairing: pairing.SessionsConfig{
			TTL:           cfg.Pairing.SessionTTL.Std(),
			SweepInterval: cfg.Pairing.SweepInterval.Std(),
		},
		Listener: pairing.ListenerConfig{
			RestartDelay: cfg.Pairing.RestartDelay.Std(),
			DedupeTTL:    cfg.Pairing.DedupeTTL.Std(),
		},
		Watch: watch.Config{
			PollInterval:     cfg.Watch.PollInterval.Std(),
			AnnounceRespawns: cfg.Watch.AnnounceRespawns,
		},
	}
}

func pushNotifier(cfg *config.Config) pairing.Notifier {
	if cfg.Pairing.BridgeURL == "" {
		slog.Warn("no push bridge configured, pairing notifications disabled")
		return pairing.NopNotifier{}
	}
	return &pairing.BridgeNotifier{URL: cfg.Pairing.BridgeURL}
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
