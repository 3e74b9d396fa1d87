package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"codearena/internal/config"
	dockerengine "codearena/internal/engine"
	"codearena/internal/gen"
	"codearena/internal/httpapi"
	"codearena/internal/lifecycle"
	"codearena/internal/logger"
	"codearena/internal/portalloc"
	"codearena/internal/registry"
	"codearena/internal/s3"
	"codearena/internal/store"
	"codearena/internal/workspace"
)

func main() {
	app := &cli.App{
		Name:    "codearena-orchestrator",
		Usage:   "Run Orchestrator - builds, isolates, and serves model-generated web apps",
		Version: "0.1.0",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start the orchestrator daemon",
				Action: runServe,
			},
			{
				Name:   "reap",
				Usage:  "Remove any build-*/run-* containers left behind by a previous crash",
				Action: runReap,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, zlog := logger.PrepareLogger(ctx)
	defer logger.Sync(ctx)

	adapter, err := dockerengine.NewDockerAdapter(ctx, cfg.DockerHost)
	if err != nil {
		return fmt.Errorf("connect to container engine: %w", err)
	}
	defer adapter.Close()

	dockerengine.SetIsolationNetwork(cfg.IsolationNetwork)
	if err := adapter.EnsureNetwork(ctx, cfg.IsolationNetwork); err != nil {
		return fmt.Errorf("ensure isolation network: %w", err)
	}

	if n, err := adapter.ReapStale(ctx); err != nil {
		zlog.Warn(fmt.Sprintf("startup reap failed: %v", err))
	} else if n > 0 {
		zlog.Info(fmt.Sprintf("reaped %d stale container(s) from a previous crash", n))
	}

	if err := os.MkdirAll(cfg.TemplateDir, 0o755); err != nil {
		return fmt.Errorf("prepare template dir: %w", err)
	}

	if cfg.TemplateS3Bucket != "" {
		s3Client, err := s3.NewClient(&s3.Config{
			Endpoint:        cfg.TemplateS3Endpoint,
			Bucket:          cfg.TemplateS3Bucket,
			AccessKeyID:     cfg.TemplateS3Key,
			SecretAccessKey: cfg.TemplateS3Secret,
			Region:          cfg.TemplateS3Region,
			UseSSL:          true,
		})
		if err != nil {
			return fmt.Errorf("create template s3 client: %w", err)
		}
		n, err := s3Client.FetchTree(ctx, "", cfg.TemplateDir)
		if err != nil {
			return fmt.Errorf("fetch template tree from s3: %w", err)
		}
		zlog.Info(fmt.Sprintf("fetched %d template file(s) from s3://%s", n, cfg.TemplateS3Bucket))
	}

	ws, err := workspace.New(cfg.WorkspaceBase, cfg.TemplateDir)
	if err != nil {
		return fmt.Errorf("create workspace manager: %w", err)
	}

	ports := portalloc.New(cfg.PortRangeStart, cfg.PortRangeEnd)
	reg := registry.New()
	st := store.New()
	gateway := gen.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayAPIKey)

	eng := lifecycle.New(ports, ws, adapter, gateway, st, reg, cfg.MainAppURL)
	server := httpapi.New(st, eng, adapter, reg, cfg.PreviewDomain)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		zlog.Info(fmt.Sprintf("orchestrator listening on %s", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal(fmt.Sprintf("http server error: %v", err))
		}
	}()

	<-sigChan
	zlog.Info("shutdown signal received, killing active runs")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zlog.Warn(fmt.Sprintf("http server shutdown error: %v", err))
	}

	killAllActiveRuns(ctx, st, eng)

	zlog.Info("orchestrator stopped")
	return nil
}

// killAllActiveRuns terminates every non-terminal run in parallel, per
// spec.md section 9's "SIGTERM ... also kills all active containers in
// parallel."
func killAllActiveRuns(ctx context.Context, st *store.Store, eng *lifecycle.Engine) {
	var wg sync.WaitGroup
	for _, id := range st.ActiveRunIDs() {
		wg.Add(1)
		go func(runID string) {
			defer wg.Done()
			if err := eng.Kill(runID); err != nil {
				logger.GetLogger(ctx).Warn(fmt.Sprintf("shutdown kill failed for run %s: %v", runID, err))
			}
		}(id)
	}
	wg.Wait()
}

func runReap(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, zlog := logger.PrepareLogger(context.Background())
	defer logger.Sync(ctx)

	adapter, err := dockerengine.NewDockerAdapter(ctx, cfg.DockerHost)
	if err != nil {
		return fmt.Errorf("connect to container engine: %w", err)
	}
	defer adapter.Close()

	n, err := adapter.ReapStale(ctx)
	if err != nil {
		return fmt.Errorf("reap stale containers: %w", err)
	}
	zlog.Info(fmt.Sprintf("reaped %d stale container(s)", n))
	return nil
}
