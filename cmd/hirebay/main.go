// Hirebay is the agent marketplace runtime. It serves the management API,
// deploys hired agents into supervised containers and brokers their metered
// provider calls.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hirebay/hirebay/pkg/admission"
	"github.com/hirebay/hirebay/pkg/api"
	"github.com/hirebay/hirebay/pkg/cleanup"
	"github.com/hirebay/hirebay/pkg/config"
	"github.com/hirebay/hirebay/pkg/container"
	"github.com/hirebay/hirebay/pkg/deploy"
	"github.com/hirebay/hirebay/pkg/dispatch"
	"github.com/hirebay/hirebay/pkg/gateway"
	"github.com/hirebay/hirebay/pkg/hiring"
	"github.com/hirebay/hirebay/pkg/proxy"
	"github.com/hirebay/hirebay/pkg/sandbox"
	"github.com/hirebay/hirebay/pkg/store"
	"github.com/hirebay/hirebay/pkg/warnings"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	slog.Info("Starting hirebay",
		"http_port", httpPort,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize the store
	dbConfig, err := store.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	st, err := store.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Connect to the container engine
	engine, err := container.NewDockerSupervisor(ctx, cfg.Caps, container.EngineConfig{
		BaseImage:           os.Getenv("AGENT_BASE_IMAGE"),
		MaxConcurrentBuilds: cfg.Runtime.MaxConcurrentBuilds,
		MaxConcurrentStarts: cfg.Runtime.MaxConcurrentStarts,
	})
	if err != nil {
		slog.Error("Failed to reach the container engine", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			slog.Error("Error closing engine client", "error", err)
		}
	}()
	slog.Info("Container engine connected")

	// Agents reach the gateway from inside their containers; the default is
	// the Linux bridge address of the host. Docker Desktop needs
	// host.docker.internal here instead.
	gatewayURL := getEnv("GATEWAY_URL", "http://172.17.0.1:"+httpPort+"/gateway/call")

	// 4. Wire the domain services
	warningsService := warnings.NewService()
	routes := proxy.NewTable()
	admissionService := admission.NewService(st, getEnv("BUNDLE_DIR", "./data/bundles"))
	controller := deploy.NewController(st, engine, routes, cfg.Runtime, gatewayURL)
	sandboxRunner := sandbox.NewRunner(cfg.Caps, getEnv("SCRATCH_DIR", os.TempDir()), gatewayURL)
	dispatcher := dispatch.NewService(st, admissionService, controller, engine, sandboxRunner, routes, cfg.Runtime)
	hiringService := hiring.NewService(st, admissionService, controller, dispatcher)

	keyring, err := gateway.NewKeyring(os.Getenv("GATEWAY_SEALING_KEY"))
	if err != nil {
		slog.Error("Failed to build the credential keyring, set GATEWAY_SEALING_KEY", "error", err)
		os.Exit(1)
	}
	gatewayService := gateway.NewService(st, cfg, keyring)
	gatewayService.SetWarnings(warningsService)
	slog.Info("Services initialized")

	// 5. Recover deployments and sweep once before accepting work
	if err := controller.Recover(ctx); err != nil {
		slog.Error("Deployment recovery failed", "error", err)
		os.Exit(1)
	}
	janitor := cleanup.NewService(cfg.Runtime, st, engine, controller)
	janitor.SetWarnings(warningsService)
	janitor.RunOnce(ctx)

	// 6. Start the background loops
	controller.Start()
	janitor.Start(ctx)

	// 7. Start the public proxy (non-blocking)
	proxyServer := proxy.NewServer(routes, cfg.Runtime)
	errCh := make(chan error, 2)
	go func() {
		if err := proxyServer.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("Proxy server error", "error", err)
			errCh <- err
		}
	}()

	// 8. Start the management API (non-blocking)
	apiServer := api.NewServer(st, admissionService, hiringService, dispatcher, controller, gatewayService)
	apiServer.SetWarnings(warningsService)
	apiServer.SetEngine(engine)
	go func() {
		addr := ":" + httpPort
		if err := apiServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("hirebay started successfully", "proxy_port", cfg.Runtime.ProxyPort)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: close the intake surfaces first, then the
	// loops. Agent containers keep running and are re-adopted by Recover on
	// the next start; executions cut off mid-flight are failed by the stale
	// reaper.
	apiCtx, apiCancel := context.WithTimeout(ctx, 5*time.Second)
	defer apiCancel()
	if err := apiServer.Shutdown(apiCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	proxyCtx, proxyCancel := context.WithTimeout(ctx, 10*time.Second)
	defer proxyCancel()
	if err := proxyServer.Shutdown(proxyCtx); err != nil {
		slog.Error("Proxy shutdown error", "error", err)
	}

	janitor.Stop()

	controllerCtx, controllerCancel := context.WithTimeout(ctx, 30*time.Second)
	defer controllerCancel()
	if err := controller.Stop(controllerCtx); err != nil {
		slog.Warn("Deployment controller stop timed out", "error", err)
	}

	slog.Info("Shutdown complete")
}
