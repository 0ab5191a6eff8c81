package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/opsflow/pkg/adapters"
	"github.com/openfroyo/opsflow/pkg/config"
	"github.com/openfroyo/opsflow/pkg/engine"
	"github.com/openfroyo/opsflow/pkg/llm"
	"github.com/openfroyo/opsflow/pkg/policy"
	"github.com/openfroyo/opsflow/pkg/stores"
	"github.com/openfroyo/opsflow/pkg/telemetry"
	sshtransport "github.com/openfroyo/opsflow/pkg/transports/ssh"
)

// app holds everything a session command needs. Close releases it.
type app struct {
	cfg          *config.Config
	tel          *telemetry.Telemetry
	store        stores.Store
	orchestrator *engine.Orchestrator
	logger       zerolog.Logger

	closers []func(context.Context) error
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	return cfg, nil
}

// openStore opens and migrates the configured record store.
func openStore(ctx context.Context, cfg config.StoreConfig) (stores.Store, error) {
	if cfg.Driver == "memory" {
		return stores.NewMemoryStore(), nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// newApp wires configuration, telemetry, storage, the model client, policy
// and adapters into an orchestrator.
func newApp(ctx context.Context, version string) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{cfg: cfg, tel: tel, logger: tel.Logger}
	a.closers = append(a.closers, tel.Shutdown)

	if err := a.wire(ctx); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}

	go func() {
		if err := tel.Metrics.Serve(ctx, a.logger); err != nil {
			a.logger.Error().Err(err).Msg("Metrics endpoint failed")
		}
	}()

	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })

	client, err := llm.NewClient(llm.Config{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Endpoint:    cfg.LLM.Endpoint,
		APIVersion:  cfg.LLM.APIVersion,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout.Std(),
	})
	if err != nil {
		return fmt.Errorf("failed to create llm client: %w", err)
	}

	policies, err := policy.NewEngine(logger)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := policies.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return err
		}
		if cfg.Policy.Watch {
			if err := policies.WatchPolicies(ctx, cfg.Policy.Paths); err != nil {
				logger.Warn().Err(err).Msg("Policy hot reload disabled")
			}
		}
	}

	var resolver engine.Resolver = engine.NewRuleResolver(logger)
	if cfg.Resolver.Mode == "llm" {
		resolver = engine.NewLLMResolver(client, logger)
	}

	var refiner engine.Refiner = engine.TemplateRefiner{}
	if cfg.Refiner.Mode == "llm" {
		refiner = engine.NewLLMRefiner(client, logger)
	}

	planner := engine.NewLLMPlanner(client, logger,
		engine.WithPolicy(policies),
		engine.WithMaxTasks(cfg.Planner.MaxTasks),
	)

	adapterSet, err := a.buildAdapters(ctx, client)
	if err != nil {
		return err
	}
	adapterSet = telemetry.InstrumentAdapters(adapterSet, a.tel.Tracer, a.tel.Metrics)

	publisher := telemetry.MultiPublisher{store, a.tel.Events}

	runner := engine.NewRunner(adapterSet, policies, publisher, engine.RunnerConfig{
		CommandTimeout: cfg.Runner.CommandTimeout.Std(),
		TaskTimeout:    cfg.Runner.TaskTimeout.Std(),
		MaxRetries:     cfg.Runner.MaxRetries,
		RetryBackoff:   cfg.Runner.RetryBackoff.Std(),
		MaxParallel:    cfg.Runner.MaxParallel,
	}, logger)

	a.orchestrator, err = engine.NewOrchestrator(engine.Components{
		Store:     store,
		Resolver:  resolver,
		Refiner:   refiner,
		Planner:   planner,
		Runner:    runner,
		Publisher: publisher,
	}, engine.OrchestratorConfig{
		WorkRoot: cfg.WorkRoot,
		Username: cfg.Username,
	}, logger)
	return err
}

// buildAdapters creates the command, code and research adapters. With a
// remote shell target commands and code steps run over SSH.
func (a *app) buildAdapters(ctx context.Context, client llm.Client) (engine.Adapters, error) {
	cfg := a.cfg
	logger := a.logger

	set := engine.Adapters{
		CLI:   adapters.NewCLIGenerator(client, logger),
		Shell: adapters.NewShellGenerator(client, logger),
	}

	var interp adapters.Interpreter
	if remote := cfg.Shell.Remote; remote != nil {
		sshClient, err := sshtransport.NewClient(remoteConfig(remote, cfg.Runner.CommandTimeout.Std()), logger)
		if err != nil {
			return set, fmt.Errorf("invalid remote target: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return sshClient.Disconnect() })

		set.Executor = sshtransport.NewRemoteRunner(sshClient, sshtransport.RunnerConfig{
			DefaultTimeout: cfg.Runner.CommandTimeout.Std(),
		}, logger)
		interp = sshtransport.NewRemoteInterpreter(sshClient, sshtransport.InterpreterConfig{
			Command: cfg.Code.PythonPath,
			Timeout: cfg.Code.Timeout.Std(),
		})
	} else {
		set.Executor = adapters.NewShellRunner(adapters.ShellConfig{
			Shell:          cfg.Shell.Shell,
			PassEnv:        cfg.Shell.PassEnv,
			DefaultTimeout: cfg.Runner.CommandTimeout.Std(),
		}, logger)

		var err error
		interp, err = a.localInterpreter(ctx)
		if err != nil {
			return set, err
		}
	}

	set.Code = adapters.NewCodeAgent(client, interp, adapters.CodeAgentConfig{
		MaxSteps:          cfg.Code.MaxSteps,
		AuthorizedImports: cfg.Code.AuthorizedImports,
	}, logger)

	var search adapters.SearchProvider
	if cfg.Research.Provider == "exa" {
		if cfg.Research.APIKey == "" {
			logger.Warn().Msg("EXA_API_KEY not set, research answers come from the model alone")
		} else {
			exa, err := adapters.NewExaSearch(cfg.Research.APIKey)
			if err != nil {
				return set, err
			}
			search = exa
		}
	}
	set.Research = adapters.NewResearchAgent(client, search,
		adapters.NewPageFetcher(cfg.Research.FetchTimeout.Std()),
		adapters.ResearchConfig{
			NumResults:       cfg.Research.NumResults,
			MaxPages:         cfg.Research.MaxPages,
			MaxContextTokens: cfg.Research.MaxContextTokens,
		}, logger)

	return set, nil
}

func (a *app) localInterpreter(ctx context.Context) (adapters.Interpreter, error) {
	code := a.cfg.Code
	switch code.Interpreter {
	case "wasi":
		interp, err := adapters.NewWASIInterpreter(ctx, code.WASMModule, adapters.WASIConfig{
			Timeout: code.Timeout.Std(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load wasi interpreter: %w", err)
		}
		a.closers = append(a.closers, interp.Close)
		return interp, nil
	case "starlark":
		return adapters.NewStarlarkInterpreter(code.Timeout.Std()), nil
	default:
		return adapters.NewPythonInterpreter(code.PythonPath, code.Timeout.Std()), nil
	}
}

func remoteConfig(r *config.RemoteConfig, commandTimeout time.Duration) *sshtransport.Config {
	c := sshtransport.DefaultConfig(r.Host, r.User)
	if r.Port > 0 {
		c.Port = r.Port
	}
	if r.Password != "" && r.PrivateKeyPath == "" {
		c.AuthMethod = sshtransport.AuthMethodPassword
		c.Password = r.Password
	}
	c.PrivateKeyPath = r.PrivateKeyPath
	if r.KnownHostsPath != "" {
		c.KnownHostsPath = r.KnownHostsPath
	}
	c.InsecureHostKey = r.InsecureHostKey
	if r.ConnectTimeout > 0 {
		c.ConnectionTimeout = r.ConnectTimeout.Std()
	}
	if commandTimeout > 0 {
		c.CommandTimeout = commandTimeout
	}
	c.KeepAliveInterval = 30 * time.Second
	return c
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}

// sessionOperation runs fn as an instrumented operation for one session.
func (a *app) sessionOperation(ctx context.Context, op, sessionID string, fn func(context.Context) (*engine.Outcome, error)) (*engine.Outcome, error) {
	ctx = a.tel.WithContext(ctx)
	inst := telemetry.StartOperation(ctx, "session."+op, telemetry.AttrSessionID.String(sessionID))
	out, err := fn(inst.Ctx)
	inst.End(err)
	return out, err
}
