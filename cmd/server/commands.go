package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"giftpocket/internal/handler"
	"giftpocket/internal/job"
	"giftpocket/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return runServe(a)
		},
	}
}

func runServe(a *app) error {
	cfg := a.cfg

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outboxSender := job.NewOutboxSender(a.outbox, a.producer, cfg.Business.OutboxMaxRetry, a.logger)
	go outboxSender.Start(ctx)

	creditReplay := job.NewCreditReplayJob(a.transactions, a.ledger, cfg.Business.ReplayInterval, a.logger)
	go creditReplay.Start(ctx)

	pendingSweep := job.NewPendingSweepJob(a.transactions, a.engine, cfg.Business.PendingSweepAfter, cfg.Business.SweepInterval, a.logger)
	go pendingSweep.Start(ctx)

	h := handler.NewHandler(a.engine, a.webhooks, a.payments, a.alerter, cfg.Webhook, a.logger)
	router := handler.SetupRouter(h, a.logger, cfg.Server.Mode)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		a.logger.Info("shutting down", zap.String("signal", sig.String()))
	case serveErr = <-errCh:
		a.logger.Error("http server failed", zap.Error(serveErr))
	}

	cancel()
	outboxSender.Stop()
	creditReplay.Stop()
	pendingSweep.Stop()

	// in-flight verifications may run up to the request timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.RequestTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http server shutdown", zap.Error(err))
	}

	a.logger.Info("server stopped")
	return serveErr
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <reference>",
		Short: "Verify one reference with the provider and credit the wallet if it paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.engine.Reconcile(cmd.Context(), args[0], service.SourceCLI)
			if out != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(out); encErr != nil {
					return encErr
				}
			}
			if err != nil {
				return err
			}
			if !out.Code.Succeeded() {
				return fmt.Errorf("reconcile %s: %s", args[0], out.Code)
			}
			return nil
		},
	}
}

func replayCreditsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay-credits",
		Short: "Credit wallets for completed transactions that were never credited",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			replay := job.NewCreditReplayJob(a.transactions, a.ledger, a.cfg.Business.ReplayInterval, a.logger)
			n, err := replay.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "credited %d transaction(s)\n", n)
			return nil
		},
	}
}
