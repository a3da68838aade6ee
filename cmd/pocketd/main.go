package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pocketrelay/pocket/internal/config"
	"github.com/pocketrelay/pocket/internal/prompt"
	"github.com/pocketrelay/pocket/internal/pty"
	"github.com/pocketrelay/pocket/internal/registry"
	"github.com/pocketrelay/pocket/internal/relay"
	"github.com/pocketrelay/pocket/internal/wsrelay"
)

func main() {
	root := &cobra.Command{
		Use:   "pocketd",
		Short: "PTY relay server for Claude Code sessions",
		RunE:  run,
	}

	root.Flags().String("port", "", "listen port (overrides PORT)")
	root.Flags().String("host", "", "listen host (overrides HOST)")
	root.Flags().String("working-dir", ".", "directory to resolve the pocketd.yaml tuning file from")
	root.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	root.Flags().String("log-file", "", "additional log file path")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logFile, _ := cmd.Flags().GetString("log-file")
	log, err := newLogger(logLevel, logFile)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	workingDir, _ := cmd.Flags().GetString("working-dir")
	settings, err := config.Load(workingDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if v, _ := cmd.Flags().GetString("port"); v != "" {
		settings.Port = v
	}
	if v, _ := cmd.Flags().GetString("host"); v != "" {
		settings.Host = v
	}

	newInstance := func(id, dir string) *pty.Instance {
		cfg := pty.Config{
			Command:            settings.ClaudeCommand,
			Cols:               uint16(settings.Cols),
			Rows:               uint16(settings.Rows),
			MaxBytes:           settings.MaxBytes,
			MaxLines:           settings.MaxLines,
			SaveDebounce:       settings.SaveDebounce,
			BatchDelay:         settings.BatchDelay,
			RestartWindow:      settings.RestartWindow,
			MaxRestartAttempts: settings.MaxRestartAttempts,
			AutoRestartDelay:   settings.AutoRestartDelay,
			GitProbeTimeout:    settings.GitProbeTimeout,
			Prompt:             promptConfig(settings),
		}
		return pty.New(id, dir, cfg, log)
	}

	reg := registry.New(settings.MaxInstances, settings.IdleTimeout, newInstance, log)
	defer reg.Shutdown()

	srv := relay.New(reg, relay.Config{
		AllowedOrigins: settings.AllowedOrigins,
		Session: wsrelay.Config{
			HeartbeatInterval: settings.HeartbeatInterval,
			HeartbeatTimeout:  settings.HeartbeatTimeout,
			OpenTimeout:       settings.OpenTimeout,
		},
	}, log)

	addr := settings.Host + ":" + settings.Port
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("pocketd listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		srv.Shutdown(context.Background())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.OpenTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newLogger builds the server's structured logger: text output to stdout,
// plus an optional append-only file, with the timestamp shortened to
// HH:MM:SS for interactive readability.
func newLogger(level, logFile string) (*slog.Logger, error) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelDebug
	}

	writers := []io.Writer{os.Stdout}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		writers = append(writers, f)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})

	log := slog.New(handler)
	slog.SetDefault(log)
	return log, nil
}

func promptConfig(settings config.Settings) prompt.Config {
	return prompt.Config{
		IdleThreshold:       settings.IdleThreshold,
		ExpiryMs:            settings.ExpiryMs,
		LongTaskThreshold:   settings.LongTaskThreshold,
		BufferLookback:      settings.BufferLookback,
		ConfidenceThreshold: settings.ConfidenceThreshold,
		MinSubstantiveChars: settings.MinSubstantiveChars,
	}.WithDefaults()
}
