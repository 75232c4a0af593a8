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

	"entitlement-api/internal/api"
	"entitlement-api/internal/app"
	"entitlement-api/internal/config"
	"entitlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags
var Version = "dev"

const shutdownTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:     "entitlement-server",
	Short:   "Entitlement verification and reconciliation service",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var verifyAccount string
var verifyWait time.Duration

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Reconcile one account and print the verdict",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerify(cmd.Context())
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyAccount, "account", "", "account to verify (defaults to ACCOUNT_ID)")
	verifyCmd.Flags().DurationVar(&verifyWait, "wait", 5*time.Second, "how long to wait for the provider connection")
	rootCmd.AddCommand(serveCmd, verifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration and logging the same way for every command
func setup() (*config.Config, error) {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		return nil, fmt.Errorf("failed to initialize config: %w", err)
	}
	cfg := config.AppConfig

	// Initialize logging
	logging.InitLogging(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func runServer() error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	a, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize app: %w", err)
	}
	defer a.Close()

	// Set Gin mode
	gin.SetMode(cfg.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	api.SetupRoutes(r, api.NewHandler(a))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Start()

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("Starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
		logging.Infof("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Streams only end when the engine closes, so do not wait for them here.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warnf("Server did not shut down cleanly: %v", err)
	}
	return nil
}

func runVerify(ctx context.Context) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	account := verifyAccount
	if account == "" {
		account = cfg.AccountID
	}
	if account == "" {
		return errors.New("no account: pass --account or set ACCOUNT_ID")
	}
	// Logged in explicitly below once the provider had a chance to connect.
	cfg.AccountID = ""

	a, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize app: %w", err)
	}
	defer a.Close()

	a.Start()
	waitReady(ctx, a, verifyWait)

	a.Engine.Login(account)
	a.Engine.Verify(ctx, "")

	out, err := json.MarshalIndent(a.Engine.Current(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// waitReady polls until the provider connection is ready or wait elapses. A
// provider that stays down still yields a verdict from the ledger and cache.
func waitReady(ctx context.Context, a *app.App, wait time.Duration) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for !a.Connection.IsReady() {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			logging.Warnf("Provider not ready after %v, verifying without live purchases", wait)
			return
		case <-tick.C:
		}
	}
}
