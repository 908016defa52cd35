package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.temporal.io/sdk/client"
	"goa.design/clue/health"
	"goa.design/pulse/rmap"
	"golang.org/x/time/rate"

	checkpointmongo "goa.design/agentexec/features/checkpoint/mongo"
	checkpointmongoclient "goa.design/agentexec/features/checkpoint/mongo/clients/mongo"
	checkpointredis "goa.design/agentexec/features/checkpoint/redis"
	"goa.design/agentexec/features/loop/llm"
	memorymongo "goa.design/agentexec/features/memory/mongo"
	memorymongoclient "goa.design/agentexec/features/memory/mongo/clients/mongo"
	"goa.design/agentexec/features/model/anthropic"
	"goa.design/agentexec/features/model/bedrock"
	"goa.design/agentexec/features/model/middleware"
	"goa.design/agentexec/features/model/openai"
	sessionmongo "goa.design/agentexec/features/session/mongo"
	sessionmongoclient "goa.design/agentexec/features/session/mongo/clients/mongo"
	streampulse "goa.design/agentexec/features/stream/pulse"
	pulseclient "goa.design/agentexec/features/stream/pulse/clients/pulse"
	"goa.design/agentexec/features/stream/sse"
	"goa.design/agentexec/runtime/agent/checkpoint"
	checkpointinmem "goa.design/agentexec/runtime/agent/checkpoint/inmem"
	"goa.design/agentexec/runtime/agent/config"
	"goa.design/agentexec/runtime/agent/controller"
	"goa.design/agentexec/runtime/agent/durable"
	"goa.design/agentexec/runtime/agent/engine"
	engineinmem "goa.design/agentexec/runtime/agent/engine/inmem"
	enginetemporal "goa.design/agentexec/runtime/agent/engine/temporal"
	"goa.design/agentexec/runtime/agent/loop"
	"goa.design/agentexec/runtime/agent/loop/scripted"
	"goa.design/agentexec/runtime/agent/memory"
	memoryinmem "goa.design/agentexec/runtime/agent/memory/inmem"
	"goa.design/agentexec/runtime/agent/model"
	"goa.design/agentexec/runtime/agent/relay"
	"goa.design/agentexec/runtime/agent/session"
	sessioninmem "goa.design/agentexec/runtime/agent/session/inmem"
	"goa.design/agentexec/runtime/agent/telemetry"
)

// service holds the wired components of one process.
type service struct {
	cfg        *config.Config
	engine     engine.Engine
	controller *controller.Controller
	registry   *relay.Registry
	source     sse.Source
	streams    *streampulse.Streams
	pingers    []health.Pinger
	closers    []func(context.Context) error
	logger     telemetry.Logger
}

type stores struct {
	sessions    session.Store
	checkpoints checkpoint.Store
	memory      memory.Provider
}

const budgetMapName = "agentexec-model-budget"

func newService(ctx context.Context, cfg *config.Config, logger telemetry.Logger, metrics telemetry.Metrics) (*service, error) {
	svc := &service{cfg: cfg, registry: relay.NewRegistry(), logger: logger}

	var rdb *redis.Client
	if cfg.Store.Backend == "redis" || cfg.Stream.Pulse || cfg.Model.SharedBudget {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		svc.closers = append(svc.closers, func(context.Context) error { return rdb.Close() })
	}

	st, err := svc.stores(ctx, rdb)
	if err != nil {
		return nil, err
	}
	mc, err := svc.model(ctx, rdb)
	if err != nil {
		return nil, err
	}

	var lp loop.Engine
	if mc == nil {
		lp = scripted.New(scripted.Answer("scripted answer")).WithCheckpoints(st.checkpoints)
	} else {
		lp, err = llm.New(llm.Options{
			Client:      mc,
			Checkpoints: st.checkpoints,
			Model:       cfg.Model.Name,
			System:      cfg.Agent.SystemPrompt,
			MaxTokens:   cfg.Model.MaxTokens,
			Thinking:    thinking(cfg.Model),
			Logger:      logger,
			Metrics:     metrics,
		})
		if err != nil {
			return nil, err
		}
	}

	copts := controller.Options{
		Sessions:          st.sessions,
		Checkpoints:       st.checkpoints,
		Loop:              lp,
		Memory:            st.memory,
		Registry:          svc.registry,
		WorkspaceRoot:     cfg.Agent.WorkspaceRoot,
		DefaultStepBudget: cfg.Agent.StepBudget,
		Logger:            logger,
		Metrics:           metrics,
	}
	svc.source = sse.RegistrySource(svc.registry)
	if cfg.Stream.Pulse {
		pc, err := pulseclient.New(pulseclient.Options{
			Redis:        rdb,
			StreamMaxLen: cfg.Stream.MaxLength,
			Retention:    cfg.Stream.Retention,
		})
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, pc.Close)
		streams, err := streampulse.NewStreams(streampulse.Options{Client: pc})
		if err != nil {
			return nil, err
		}
		copts.Sinks = append(copts.Sinks, streams.Sink)
		svc.source = sse.PulseSource(streams.Source())
		svc.streams = streams
	}
	if svc.controller, err = controller.New(copts); err != nil {
		return nil, err
	}

	adapter, err := durable.New(durable.Options{
		Controller:      svc.controller,
		CallbackTimeout: cfg.Durable.CallbackTimeout,
		HeartbeatEvery:  cfg.Durable.HeartbeatEvery,
		RateLimit:       rate.Limit(cfg.Durable.CallbackRate),
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := svc.startEngine(ctx, adapter, logger, metrics); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *service) stores(ctx context.Context, rdb *redis.Client) (*stores, error) {
	cfg := s.cfg
	st := &stores{
		sessions:    sessioninmem.New(),
		checkpoints: checkpointinmem.New(),
		memory:      memoryinmem.New(),
	}
	switch cfg.Store.Backend {
	case "redis":
		cs, err := checkpointredis.New(checkpointredis.Options{Client: rdb, Prefix: "agentexec:", TTL: cfg.Store.CheckpointTTL})
		if err != nil {
			return nil, err
		}
		st.checkpoints = cs
		s.pingers = append(s.pingers, cs)
	case "mongo":
		mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		s.closers = append(s.closers, mc.Disconnect)

		scli, err := sessionmongoclient.New(sessionmongoclient.Options{Client: mc, Database: cfg.Mongo.Database})
		if err != nil {
			return nil, err
		}
		ss, err := sessionmongo.NewStore(scli)
		if err != nil {
			return nil, err
		}
		ccli, err := checkpointmongoclient.New(checkpointmongoclient.Options{Client: mc, Database: cfg.Mongo.Database})
		if err != nil {
			return nil, err
		}
		cs, err := checkpointmongo.NewStore(ccli)
		if err != nil {
			return nil, err
		}
		mcli, err := memorymongoclient.New(memorymongoclient.Options{Client: mc, Database: cfg.Mongo.Database})
		if err != nil {
			return nil, err
		}
		mp, err := memorymongo.NewProvider(mcli)
		if err != nil {
			return nil, err
		}
		st.sessions, st.checkpoints, st.memory = ss, cs, mp
		s.pingers = append(s.pingers, ss, cs, mp)
	}
	return st, nil
}

// model returns the configured model client or nil for the scripted loop.
func (s *service) model(ctx context.Context, rdb *redis.Client) (model.Client, error) {
	mcfg := s.cfg.Model
	var (
		mc  model.Client
		err error
	)
	switch mcfg.Provider {
	case "scripted":
		return nil, nil
	case "anthropic":
		mc, err = anthropic.NewFromAPIKey(mcfg.APIKey, anthropic.Options{
			DefaultModel:   mcfg.Name,
			MaxTokens:      mcfg.MaxTokens,
			ThinkingBudget: mcfg.ThinkingBudget,
		})
	case "openai":
		mc, err = openai.NewFromAPIKey(mcfg.APIKey, mcfg.Name)
	case "bedrock":
		rt := bedrockruntime.New(bedrockruntime.Options{
			Region:      mcfg.Region,
			Credentials: aws.NewCredentialsCache(envCredentials()),
		})
		mc, err = bedrock.New(bedrock.Options{
			Runtime:        rt,
			DefaultModel:   mcfg.Name,
			MaxTokens:      mcfg.MaxTokens,
			ThinkingBudget: mcfg.ThinkingBudget,
			Logger:         s.logger,
		})
	default:
		return nil, fmt.Errorf("unknown model provider %q", mcfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if mcfg.TPM <= 0 {
		return mc, nil
	}
	lopts := middleware.Options{InitialTPM: mcfg.TPM}
	if mcfg.SharedBudget {
		m, err := rmap.Join(ctx, budgetMapName, rdb)
		if err != nil {
			return nil, fmt.Errorf("join budget map: %w", err)
		}
		s.closers = append(s.closers, func(context.Context) error { m.Close(); return nil })
		lopts.Map, lopts.Key = m, mcfg.Provider+"/"+mcfg.Name
	}
	return middleware.NewLimiter(ctx, lopts).Wrap(mc), nil
}

func (s *service) startEngine(ctx context.Context, adapter *durable.Adapter, logger telemetry.Logger, metrics telemetry.Metrics) error {
	cfg := s.cfg.Engine
	aopts := engine.ActivityOptions{
		StartToCloseTimeout: cfg.StartToClose,
		HeartbeatTimeout:    cfg.LivenessWindow,
		RetryPolicy:         engine.RetryPolicy{MaxAttempts: cfg.MaxAttempts},
	}
	switch cfg.Backend {
	case "temporal":
		eng, err := enginetemporal.New(enginetemporal.Options{
			ClientOptions: &client.Options{
				HostPort:  cfg.Temporal.HostPort,
				Namespace: cfg.Temporal.Namespace,
			},
			WorkerOptions:          enginetemporal.WorkerOptions{TaskQueue: cfg.Temporal.TaskQueue},
			DisableWorkerAutoStart: true,
			Logger:                 logger,
			Metrics:                metrics,
		})
		if err != nil {
			return err
		}
		if err := eng.RegisterRunner(ctx, aopts, adapter.Runner()); err != nil {
			return err
		}
		if err := eng.Worker().Start(); err != nil {
			return err
		}
		s.closers = append(s.closers, func(context.Context) error {
			eng.Worker().Stop()
			return eng.Close()
		})
		s.engine = eng
	default:
		eng := engineinmem.New()
		if err := eng.RegisterRunner(ctx, aopts, adapter.Runner()); err != nil {
			return err
		}
		s.engine = eng
	}
	return nil
}

// Close releases the service resources in reverse order of acquisition.
// DeleteSession removes a session through the controller and then drops its
// Pulse stream, if any.
func (s *service) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.controller.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	if s.streams != nil {
		if err := s.streams.Destroy(ctx, sessionID); err != nil {
			s.logger.Warn(ctx, "destroying session stream failed", "session_id", sessionID, "err", err)
		}
	}
	return nil
}

func (s *service) Close(ctx context.Context) error {
	s.registry.Close()
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func thinking(m config.ModelConfig) *model.ThinkingOptions {
	if m.ThinkingBudget <= 0 {
		return nil
	}
	return &model.ThinkingOptions{BudgetTokens: m.ThinkingBudget}
}

func envCredentials() aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
		if id == "" || secret == "" {
			return aws.Credentials{}, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required")
		}
		return aws.Credentials{
			AccessKeyID:     id,
			SecretAccessKey: secret,
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "environment",
		}, nil
	})
}
