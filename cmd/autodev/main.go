package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hollis/autodev/internal/archivist"
	"github.com/hollis/autodev/internal/bus"
	"github.com/hollis/autodev/internal/config"
	"github.com/hollis/autodev/internal/contextengine"
	"github.com/hollis/autodev/internal/cron"
	"github.com/hollis/autodev/internal/gateway"
	"github.com/hollis/autodev/internal/gitops"
	"github.com/hollis/autodev/internal/llm"
	otelPkg "github.com/hollis/autodev/internal/otel"
	"github.com/hollis/autodev/internal/orchestrator"
	"github.com/hollis/autodev/internal/persistence"
	"github.com/hollis/autodev/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the daemon: HTTP API, job engine, maintenance

SUBCOMMANDS:
  %s submit -task <text>      Submit a change task to a running daemon
                              Options: -repo <path> (default: current directory)
  %s status                   Show daemon health
  %s cancel <job-id>          Request cooperative cancellation of a job
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AUTODEV_HOME            Data directory (default: ~/.autodev)
  AUTODEV_DRY_RUN         Set to 1 to run without provider calls or pushes
  OPENAI_API_KEY          Required for the openai provider
`)
}

func main() {
	_ = godotenv.Load()

	dryRun := flag.Bool("dry-run", false, "run with canned provider responses and no git pushes")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "submit":
			os.Exit(runSubmitCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "cancel":
			os.Exit(runCancelCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "config load", err)
	}
	if *dryRun {
		cfg.Integration.DryRun = true
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "logger init", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config", cfg.Redacted(), "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "otel init", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "metrics init", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "autodev.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "store open", err)
	}
	defer store.Close()
	store.SetNoteByteLimit(cfg.Memory.MaxBytesPerItem)
	logger.Info("startup phase", "phase", "schema_migrated")

	provider, err := buildProvider(cfg)
	if err != nil {
		fatalStartup(logger, "llm provider", err)
	}

	arch := archivist.New(store, cfg.Memory)
	builder := buildContextEngine(store, eventBus, provider, arch, cfg.Context)

	applier, vcs := buildGitOps(cfg.Integration)
	engine, err := orchestrator.NewEngine(store, eventBus, cfg, provider, builder,
		applier, buildVerifier(cfg), gitops.NewIntegrator(vcs, cfg.Integration),
		otelProvider.Tracer, metrics)
	if err != nil {
		fatalStartup(logger, "engine init", err)
	}

	requeued, err := engine.Resume(ctx)
	if err != nil {
		fatalStartup(logger, "recovery scan", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", requeued)

	sched, err := cron.New(store, arch, cfg.MaintenanceCron,
		cfg.RetentionDiagnosticsDays, cfg.RetentionEventsDays)
	if err != nil {
		fatalStartup(logger, "maintenance schedule", err)
	}
	sched.Start()
	defer sched.Stop()

	gw := gateway.New(store, engine, metrics)
	server := &http.Server{Addr: cfg.BindAddr, Handler: gw.Handler()}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "listener bind", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "version", Version)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	engineDone := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(engineDone)
	}()
	logger.Info("startup phase", "phase", "engine_started", "dry_run", cfg.Integration.DryRun)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		stop()
	}

	// Stop intake first, then wait for in-flight jobs to reach a boundary.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	select {
	case <-engineDone:
	case <-time.After(30 * time.Second):
		logger.Warn("engine drain timed out")
	}
	logger.Info("shutdown complete")
}

// buildProvider selects the LLM backend. Dry-run mode and the "dryrun"
// provider both yield canned deterministic responses.
func buildProvider(cfg config.Config) (llm.Provider, error) {
	if cfg.Integration.DryRun || cfg.LLM.Provider == "dryrun" {
		return llm.NewDryRunProvider(cfg.LLM.Model), nil
	}
	switch cfg.LLM.Provider {
	case "openai":
		if cfg.LLM.APIKey == "" {
			return nil, fmt.Errorf("openai provider selected but no API key set (OPENAI_API_KEY)")
		}
		opts := []llm.OpenAIOption{}
		if cfg.LLM.PlannerModel != "" {
			opts = append(opts, llm.WithPlannerModel(cfg.LLM.PlannerModel))
		}
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, llm.WithBaseURL(cfg.LLM.BaseURL))
		}
		return llm.NewOpenAIProvider(cfg.LLM.APIKey, cfg.LLM.Model, opts...), nil
	default:
		return nil, fmt.Errorf("llm provider %q not supported (openai, dryrun)", cfg.LLM.Provider)
	}
}

func buildContextEngine(store *persistence.Store, eventBus *bus.Bus, provider llm.Provider, arch *archivist.Archivist, cc config.ContextConfig) *contextengine.Engine {
	curator := contextengine.NewCurator(cc.CuratorTopK, cc.CuratorMinScore)
	compactor := contextengine.NewCompactor(store, provider,
		cc.TokenBudget, cc.CompactionThresholdRatio, cc.ProtectedHead, cc.TailKeep)
	fitter := &contextengine.Fitter{
		Budget:  cc.TokenBudget,
		Reserve: cc.ReserveTokens,
		HardCap: cc.HardCapTokens,
	}
	retrievers := []contextengine.Retriever{
		&contextengine.StepRetriever{Store: store},
		&contextengine.MemoryRetriever{Store: store},
		&contextengine.ArtifactRetriever{Store: store},
		&contextengine.HistoryRetriever{Store: store},
		&contextengine.RepoRetriever{},
		&contextengine.DocRetriever{},
	}
	timeout := time.Duration(cc.RetrieverTimeoutSeconds) * time.Second
	engine := contextengine.NewEngine(store, eventBus, curator, compactor, fitter, retrievers, timeout)
	if arch != nil {
		engine.SetMaintainer(arch)
	}
	return engine
}

func buildGitOps(ic config.IntegrationConfig) (gitops.Applier, gitops.VCS) {
	if ic.DryRun {
		return &gitops.DryRunApplier{}, &gitops.DryRunVCS{}
	}
	return &gitops.GitApplier{}, &gitops.GitVCS{}
}

func buildVerifier(cfg config.Config) orchestrator.Verifier {
	if cfg.Integration.DryRun {
		return &orchestrator.DryRunVerifier{}
	}
	return &orchestrator.ShellVerifier{
		Timeout: time.Duration(cfg.Execution.StepTimeoutSeconds) * time.Second,
	}
}

func fatalStartup(logger *slog.Logger, phase string, err error) {
	if logger != nil {
		logger.Error("startup failure", "phase", phase, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure (%s): %v\n", phase, err)
	}
	os.Exit(1)
}
