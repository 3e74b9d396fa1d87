// Package config loads the orchestrator's environment-variable configuration,
// optionally seeded from a .env file, the way the teacher's runner configs
// parse typed settings out of loosely-typed sources.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is the orchestrator daemon's full runtime configuration.
type Config struct {
	// ListenAddr is the HTTP surface's bind address, e.g. ":8080".
	ListenAddr string

	// MainAppURL is the base URL of the UI, used for advisory PATCH callbacks.
	MainAppURL string

	// PortRangeStart/End bound the Port Allocator's pool, inclusive.
	PortRangeStart int
	PortRangeEnd   int

	// WorkspaceBase is the host directory under which per-run workspaces are
	// created.
	WorkspaceBase string

	// TemplateDir is the fixed project template tree overlaid before build.
	TemplateDir string

	// TemplateS3Bucket, if set, is fetched once at startup into TemplateDir
	// before TemplateDir is read, instead of relying on a pre-seeded local
	// directory.
	TemplateS3Bucket   string
	TemplateS3Endpoint string
	TemplateS3Key      string
	TemplateS3Secret   string
	TemplateS3Region   string

	// IsolationNetwork is the name of the no-egress bridge network runtime
	// containers are attached to.
	IsolationNetwork string

	// DockerHost is the container engine socket/URL.
	DockerHost string

	// GatewayURL and GatewayAPIKey configure the external code-generation
	// gateway client.
	GatewayURL    string
	GatewayAPIKey string

	// PreviewDomain is the suffix the external reverse proxy serves ready
	// runs under (`<runId>.<PreviewDomain>`); the session endpoint derives
	// each ready run's publicUrl from it.
	PreviewDomain string
}

// Load reads configuration from the environment, first loading a .env file
// if present (missing .env is not an error — production deployments set
// real environment variables instead).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:         envOr("ORCHESTRATOR_PORT", "8080"),
		MainAppURL:         envOr("MAIN_APP_URL", "http://localhost:3000"),
		WorkspaceBase:      envOr("WORKSPACE_BASE", "/tmp/arena-workspaces"),
		TemplateDir:        envOr("TEMPLATE_DIR", "/etc/arena/template"),
		TemplateS3Bucket:   os.Getenv("TEMPLATE_S3_BUCKET"),
		TemplateS3Endpoint: os.Getenv("TEMPLATE_S3_ENDPOINT"),
		TemplateS3Key:      os.Getenv("TEMPLATE_S3_KEY"),
		TemplateS3Secret:   os.Getenv("TEMPLATE_S3_SECRET"),
		TemplateS3Region:   envOr("TEMPLATE_S3_REGION", "us-east-1"),
		IsolationNetwork:   envOr("ISOLATION_NETWORK_NAME", "arena-isolation"),
		DockerHost:         envOr("DOCKER_HOST", "unix:///var/run/docker.sock"),
		GatewayURL:         os.Getenv("GATEWAY_URL"),
		GatewayAPIKey:      os.Getenv("GATEWAY_API_KEY"),
		PreviewDomain:      envOr("PREVIEW_DOMAIN", "arena.local"),
	}

	// ListenAddr is given as a bare port by ORCHESTRATOR_PORT; normalize.
	if _, err := strconv.Atoi(cfg.ListenAddr); err == nil {
		cfg.ListenAddr = ":" + cfg.ListenAddr
	}

	start, err := envInt("PORT_RANGE_START", 3001)
	if err != nil {
		return nil, err
	}
	end, err := envInt("PORT_RANGE_END", 4000)
	if err != nil {
		return nil, err
	}
	if end < start {
		return nil, fmt.Errorf("PORT_RANGE_END (%d) must be >= PORT_RANGE_START (%d)", end, start)
	}
	cfg.PortRangeStart = start
	cfg.PortRangeEnd = end

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}
