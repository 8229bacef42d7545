package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/petr-muller/ghwatch/internal/flagutil"
	"github.com/petr-muller/ghwatch/internal/watch/scheduler"
	"github.com/petr-muller/ghwatch/internal/watch/webhook"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the watcher daemon",
		Long: `Run every configured job on its polling interval and serve the HTTP
endpoints: /hook for GitHub webhooks (when a webhook secret is configured),
/check for manual triggers and /metrics for Prometheus.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logrus.WithField("component", "ghwatch")
	svc, err := newServices(logger)
	if err != nil {
		return err
	}
	defer svc.runs.Close()

	sched := scheduler.New(logger.WithField("component", "scheduler"))
	hooks := make([]webhook.Job, 0, len(svc.jobs))
	for _, j := range svc.jobs {
		if err := sched.Register(j.Name, j.Reconciler, j.Interval); err != nil {
			return err
		}
		hooks = append(hooks, j.Webhook())

		failures, lastFailure, err := svc.runs.ConsecutiveFailures(j.Name)
		if err != nil {
			logger.WithError(err).WithField("job", j.Name).Warn("Cannot read failure streak from the run log")
			continue
		}
		if failures > 0 {
			logger.WithFields(logrus.Fields{"job": j.Name, "failures": failures}).Warn("Job failed in its latest checks, backing off")
			if err := sched.Resume(j.Name, failures, lastFailure); err != nil {
				return err
			}
		}
	}

	var validate webhook.Validator
	if svc.cfg.WebhookSecretFile != "" {
		secret, err := flagutil.FileSecret(svc.cfg.WebhookSecretFile)
		if err != nil {
			return fmt.Errorf("cannot load webhook secret: %w", err)
		}
		validate = webhook.PayloadValidator(secret)
	} else {
		logger.Warn("No webhook secret configured, /hook is disabled")
	}

	handler := webhook.NewHandler(hooks, sched, validate, logger.WithField("component", "webhook"))
	mux := http.NewServeMux()
	mux.Handle("/hook", handler)
	mux.Handle("/check", handler)
	mux.Handle("/metrics", svc.metrics.Handler())
	server := &http.Server{Addr: svc.cfg.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	svc.executor.Start(ctx)
	sched.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("listen", svc.cfg.Listen).Info("Serving HTTP endpoints")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serverErr:
		stop()
		sched.Wait()
		svc.executor.Wait()
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	sched.Wait()
	svc.executor.Wait()
	return nil
}
