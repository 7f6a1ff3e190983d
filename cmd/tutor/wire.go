package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"homework-tutor/handler"
	"homework-tutor/internal/config"
	"homework-tutor/internal/integrations/llmapi"
	"homework-tutor/internal/integrations/paramstore"
	"homework-tutor/internal/integrations/templatefile"
	"homework-tutor/internal/repository"
	"homework-tutor/internal/repository/postgres"
	"homework-tutor/internal/repository/sqlstore"
	"homework-tutor/internal/usecase"
)

// backend is what every store driver provides.
type backend interface {
	usecase.StudentDirectory
	usecase.TurnStore
	usecase.ConfigStore
}

type migrator interface {
	Migrate(ctx context.Context) error
}

type app struct {
	handler *handler.Handler
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	awsLoader := &lazyAWS{}

	store, err := openBackend(ctx, cfg, awsLoader, a)
	if err != nil {
		a.Close()
		return nil, err
	}

	templates, err := openTemplateSource(ctx, cfg, awsLoader, store)
	if err != nil {
		a.Close()
		return nil, err
	}
	settings := config.Chain{
		cfg.BackendSettings(usecase.EndpointConfigName, usecase.CredentialConfigName),
		templates,
	}

	prompts, err := usecase.NewPromptResolver(settings, cfg.BasePromptName)
	if err != nil {
		a.Close()
		return nil, err
	}
	svc, err := usecase.NewTutorService(
		store,
		store,
		settings,
		prompts,
		llmapi.NewClient(llmapi.WithTimeout(cfg.LLMTimeout)),
		usecase.Limits{
			MaxPromptLen:    cfg.MaxPromptLength,
			MaxResponseLen:  cfg.MaxResponseLength,
			MaxSessionIDLen: cfg.MaxSessionIDLength,
		},
		logger,
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create tutor service: %w", err)
	}

	h, err := handler.NewHandler(svc, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create handler: %w", err)
	}
	a.handler = h
	return a, nil
}

func openBackend(ctx context.Context, cfg *config.Config, awsLoader *lazyAWS, a *app) (backend, error) {
	switch cfg.StoreDriver {
	case config.StoreDynamoDB:
		awsCfg, err := awsLoader.load(ctx)
		if err != nil {
			return nil, err
		}
		client, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
		if err != nil {
			return nil, fmt.Errorf("create state client: %w", err)
		}
		return client, nil
	case config.StorePostgres, config.StoreSQLite:
		store, closeFn, err := openSQLStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closeFn)
		b, ok := store.(backend)
		if !ok {
			return nil, errNoBackend
		}
		if cfg.StoreDriver == config.StoreSQLite {
			if err := store.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// openSQLStore opens the configured SQL store. The returned value also
// satisfies backend.
func openSQLStore(ctx context.Context, cfg *config.Config) (migrator, func(), error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := postgres.CreateConnectionPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store, err := postgres.New(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	case config.StoreSQLite:
		store, err := sqlstore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("store driver %q has no SQL schema to migrate", cfg.StoreDriver)
	}
}

func openTemplateSource(ctx context.Context, cfg *config.Config, awsLoader *lazyAWS, store backend) (config.Lookuper, error) {
	switch cfg.TemplateSource {
	case config.TemplatesFromStore:
		return store, nil
	case config.TemplatesFromSSM:
		awsCfg, err := awsLoader.load(ctx)
		if err != nil {
			return nil, err
		}
		client, err := paramstore.New(awsssm.NewFromConfig(awsCfg), cfg.ParamPrefix)
		if err != nil {
			return nil, fmt.Errorf("create SSM client: %w", err)
		}
		return client, nil
	case config.TemplatesFromFile:
		return templatefile.Load(cfg.TemplateFile)
	default:
		return nil, fmt.Errorf("unknown template source %q", cfg.TemplateSource)
	}
}

// lazyAWS loads the shared AWS config only when a component needs it.
type lazyAWS struct {
	cfg *aws.Config
}

func (l *lazyAWS) load(ctx context.Context) (aws.Config, error) {
	if l.cfg != nil {
		return *l.cfg, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	l.cfg = &cfg
	return cfg, nil
}

var errNoBackend = errors.New("store does not implement the tutor backend")
