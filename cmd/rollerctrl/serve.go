package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/trnila/rollerctrl/internal/config"
	"github.com/trnila/rollerctrl/session"
	"github.com/trnila/rollerctrl/transport"
	"github.com/trnila/rollerctrl/web"
)

func serveCmd() *cobra.Command {
	var (
		envFile string
		listen  string
		serial  string
		fake    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the robot and serve the web UI",
		Long: `Connect to the robot and serve the web UI.

Settings come from CTRL_* environment variables, optionally loaded from
a dotenv file. Flags override them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("serial") {
				cfg.SerialPath = serial
			}
			if cmd.Flags().Changed("fake") {
				cfg.Fake = fake
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load if present")
	cmd.Flags().StringVar(&listen, "listen", ":3000", "HTTP listen address")
	cmd.Flags().StringVar(&serial, "serial", "", "serial port of the robot")
	cmd.Flags().BoolVar(&fake, "fake", false, "use the simulated robot")

	return cmd
}

func openTransport(cfg config.Config, logger *slog.Logger) (transport.Transport, string, error) {
	if cfg.Fake {
		return transport.NewFake(cfg.Capabilities(), transport.WithFakeLogger(logger)), "fake", nil
	}
	tr, err := transport.OpenSerial(cfg.SerialConfig(), logger)
	if err != nil {
		return nil, "", err
	}
	return tr, cfg.SerialPath, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	level, _ := cfg.SlogLevel()
	logger := newLogger(level)
	logger.Info("starting", "version", version, "config", fmt.Sprintf("%+v", cfg))

	tr, port, err := openTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer tr.Close()

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithCapabilities(cfg.Capabilities()),
	}

	var gatherer prometheus.Gatherer
	if cfg.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts,
			session.WithRegisterer(reg),
			session.WithConstLabels(prometheus.Labels{"port": port}))
		gatherer = reg
	}

	sess, err := session.New(tr, opts...)
	if err != nil {
		return err
	}
	defer sess.Close()

	var mc *web.Multicast
	if cfg.MulticastGroup != "" {
		mc, err = web.NewMulticast(cfg.MulticastGroup, cfg.MulticastPort, logger)
		if err != nil {
			return err
		}
		defer mc.Close()
	}

	srv := web.New(sess, web.Options{
		StaticDir: cfg.StaticDir,
		Gatherer:  gatherer,
		Multicast: mc,
		Logger:    logger,
	})
	defer srv.Close()
	srv.Start(ctx)

	// a previous run may have left the robot streaming
	if err := sess.StopStreaming(ctx); err != nil {
		logger.Warn("initial stop failed", "error", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.StopStreaming(shutdownCtx); err != nil {
		logger.Warn("final stop failed", "error", err)
	}
	return httpServer.Shutdown(shutdownCtx)
}
