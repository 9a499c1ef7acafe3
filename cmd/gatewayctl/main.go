// Package main is the gateway process's entry point. It loads the
// environment, opens the shared collaborators (TQueue, Webhook DB, bot
// registry, payment provider), wires the process-wide method Table, brings
// up every already-registered bot's Client, serves the public and admin
// HTTP surfaces, and runs the operator console. Grounded on the teacher's
// cmd/userbot/main.go bootstrap sequence (pr.Init -> config.Load ->
// logger.Init -> signal context -> app.Init/Run), generalized from one
// userbot process to the multi-bot gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"botapigateway/internal/gateway/botregistry"
	"botapigateway/internal/gateway/client"
	"botapigateway/internal/gateway/dispatcher"
	"botapigateway/internal/gateway/payments"
	"botapigateway/internal/gateway/repl"
	"botapigateway/internal/gateway/tqueue"
	"botapigateway/internal/gateway/webhookdb"
	"botapigateway/internal/httpapi"
	"botapigateway/internal/infra/config"
	"botapigateway/internal/infra/lifecycle"
	"botapigateway/internal/infra/logger"
	"botapigateway/internal/infra/pr"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix(time.Now().Format("2006-01-02 15:04:05 "))
	if err := pr.Init(); err != nil {
		log.Fatalf("failed to assign stdout and stderr: %v", err)
	}

	envPath := flag.String("env", "assets/.env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(config.Env().LogLevel)
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if err := run(ctx, stop); err != nil {
		stop()
		log.Fatalf("gateway run failed: %v", err)
	}
	stop()
	log.Println("Graceful shutdown complete")
}

func run(ctx context.Context, stop context.CancelFunc) error {
	cfg := config.Env()
	lc := lifecycle.New(ctx)

	registry, err := botregistry.Open(ctx, cfg.BotRegistryDSN)
	if err != nil {
		return fmt.Errorf("open bot registry: %w", err)
	}
	defer registry.Close()

	tq, err := tqueue.Open(cfg.TQueueDBPath)
	if err != nil {
		return fmt.Errorf("open tqueue: %w", err)
	}
	defer tq.Close()

	whdb, err := webhookdb.Open(cfg.WebhookDBPath)
	if err != nil {
		return fmt.Errorf("open webhook db: %w", err)
	}
	defer whdb.Close()

	var payProvider payments.PaymentProvider
	if cfg.StripeAPIKey != "" {
		payProvider = payments.New(cfg.StripeAPIKey)
	}

	table := dispatcher.NewTable()
	client.RegisterHandlers(table)
	dispatcher.RegisterKnownAliases(table)

	mgr := client.NewManager(cfg, table, tq, whdb, registry, payProvider)

	bots, err := registry.All(ctx)
	if err != nil {
		return fmt.Errorf("list registered bots: %w", err)
	}
	for _, bot := range bots {
		if _, err := mgr.StartBot(bot); err != nil {
			logger.Errorf("start bot %s: %v", bot.Token, err)
		}
	}

	publicRouter := httpapi.New(mgr, logger.Logger())
	adminRouter := httpapi.NewAdmin(mgr, lc)

	publicStart, publicStop := httpServerNode(cfg.ListenAddr, publicRouter)
	if regErr := lc.Register("http.public", "", nil, publicStart, publicStop); regErr != nil {
		return regErr
	}
	adminStart, adminStop := httpServerNode(cfg.AdminListenAddr, adminRouter)
	if regErr := lc.Register("http.admin", "", nil, adminStart, adminStop); regErr != nil {
		return regErr
	}

	console := repl.NewService(mgr, registry, cfg, stop)
	if regErr := lc.Register("console", "", nil,
		func(nodeCtx context.Context) (context.Context, error) {
			console.Start(nodeCtx)
			return nil, nil
		},
		func(context.Context) error {
			console.Stop()
			return nil
		},
	); regErr != nil {
		return regErr
	}

	if err := lc.StartAll(); err != nil {
		return fmt.Errorf("start gateway services: %w", err)
	}

	logger.Infof("gateway listening on %s (public) and %s (admin)", cfg.ListenAddr, cfg.AdminListenAddr)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping gateway")

	for _, c := range mgr.All() {
		_ = c.Stop()
	}

	return lc.Shutdown()
}

// httpServerNode builds a lifecycle Start/Stop pair that serves handler on
// addr on its own goroutine, matching the teacher's pattern of a
// background-served http.Server whose own errors are logged, not fatal
// (ruslan-hut-wfsync's api.New), adapted to the lifecycle.Manager's
// Start/Stop node shape instead of a constructor-returned Shutdown method.
// The *http.Server is captured by the closures so each registered node owns
// exactly the server it started.
func httpServerNode(addr string, handler http.Handler) (lifecycle.StartFunc, lifecycle.StopFunc) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	start := func(context.Context) (context.Context, error) {
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("http server %s stopped: %v", addr, err)
			}
		}()
		return nil, nil
	}
	stop := func(context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
	return start, stop
}
