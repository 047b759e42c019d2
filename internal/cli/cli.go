// Package cli wires the orchestrator's commands: the long-running server and
// a one-shot cleanup pass.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/charmbracelet/log"

	"github.com/botlabs-edu/sessiond/internal/challenge"
	"github.com/botlabs-edu/sessiond/internal/compute"
	"github.com/botlabs-edu/sessiond/internal/httpapi"
	"github.com/botlabs-edu/sessiond/internal/lifecycle"
	"github.com/botlabs-edu/sessiond/internal/metrics"
	"github.com/botlabs-edu/sessiond/internal/routing"
	"github.com/botlabs-edu/sessiond/internal/runtimeconfig"
	"github.com/botlabs-edu/sessiond/internal/store"
	"github.com/botlabs-edu/sessiond/internal/sweeper"
)

type runtimeContext struct {
	Config  runtimeconfig.Config
	Logger  *log.Logger
	Version string
}

type CLI struct {
	Config   string `short:"c" help:"Path to the config file" type:"path"`
	LogLevel string `help:"Log level (debug|info|warn|error)" default:"info"`

	Serve   ServeCommand   `cmd:"" help:"Run the session orchestrator"`
	Sweep   SweepCommand   `cmd:"" help:"Run one cleanup pass and exit"`
	Version VersionCommand `cmd:"" help:"Print the version"`
}

type ServeCommand struct {
	Listen string `help:"Listen address (overrides config)"`
}

type SweepCommand struct{}

type VersionCommand struct{}

// Run parses arguments and executes the selected command.
func Run(args []string, version string) error {
	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("sessiond"),
		kong.Description("Session orchestrator for learner sandboxes"),
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cfg, err := runtimeconfig.Load(runtimeconfig.Path(cli.Config))
	if err != nil {
		return err
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           parseLogLevel(cli.LogLevel),
	})

	return ctx.Run(&runtimeContext{
		Config:  cfg,
		Logger:  logger,
		Version: version,
	})
}

// ExitCode maps an error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

func parseLogLevel(raw string) log.Level {
	level, err := log.ParseLevel(raw)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

func (c *ServeCommand) Run(rc *runtimeContext) error {
	cfg := rc.Config
	if c.Listen != "" {
		cfg.ListenAddr = c.Listen
	}

	metrics.Init()

	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := buildController(st, cfg, rc.Logger)
	if err != nil {
		return err
	}

	sw := sweeper.New(&sweeper.Sweeper{
		Store:         st,
		Routing:       svc.Routing,
		Stopper:       svc,
		IdleThreshold: cfg.Session.IdleThreshold(),
		Logger:        rc.Logger,
	})
	if err := sw.Start(cfg.Sweep.Schedule); err != nil {
		return err
	}
	defer sw.Stop()

	server := httpapi.NewServer(httpapi.ServerConfig{
		ListenAddr:   cfg.ListenAddr,
		Orchestrator: svc,
		Logger:       rc.Logger,
	})
	if err := server.Start(); err != nil {
		return err
	}

	rc.Logger.Info("sessiond started",
		"version", rc.Version, "addr", server.Addr(), "store", cfg.Store.Backend)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	rc.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

func (c *SweepCommand) Run(rc *runtimeContext) error {
	cfg := rc.Config

	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := buildController(st, cfg, rc.Logger)
	if err != nil {
		return err
	}

	sw := sweeper.New(&sweeper.Sweeper{
		Store:         st,
		Routing:       svc.Routing,
		Stopper:       svc,
		IdleThreshold: cfg.Session.IdleThreshold(),
		Logger:        rc.Logger,
	})
	return sw.Sweep(context.Background())
}

func (c *VersionCommand) Run(rc *runtimeContext) error {
	fmt.Println("sessiond", rc.Version)
	return nil
}

func openStore(cfg runtimeconfig.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return store.NewSQLite(cfg.SQLitePath)
	case "redis":
		return store.NewRedis(store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func buildController(st store.Store, cfg runtimeconfig.Config, logger *log.Logger) (*lifecycle.Service, error) {
	if cfg.Catalog.BaseURL == "" {
		return nil, errors.New("catalog.base_url is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return lifecycle.New(&lifecycle.Service{
		Store:      st,
		Compute:    compute.NewECS(ecs.NewFromConfig(awsCfg), cfg.Compute.ECS),
		Routing:    routing.NewALB(elbv2.NewFromConfig(awsCfg), cfg.Routing.ALB),
		Challenges: challenge.NewCatalogClient(cfg.Catalog.BaseURL),
		Pusher:     challenge.NewPusher(),
		Logger:     logger,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Config: lifecycle.Config{
			SessionTimeout: cfg.Session.Timeout(),
			EstimatedReady: cfg.Session.EstimatedReady(),
			Services:       cfg.Services,
			Profiles:       cfg.Profiles,
			DefaultProfile: cfg.Session.DefaultProfile,
			TaskRunning:    cfg.Probes.TaskRunning,
			TargetRegister: cfg.Probes.TargetRegister,
			HealthCheck:    cfg.Probes.HealthCheck,
		},
	}), nil
}
