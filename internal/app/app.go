// Package app assembles storage, policy and services from configuration.
package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"veritas/internal/config"
	"veritas/internal/infra/crypto"
	"veritas/internal/infra/db"
	"veritas/internal/infra/memstore"
	"veritas/internal/infra/policyopa"
	"veritas/internal/usecase"
)

// Storage is an opened record backend.
type Storage struct {
	Records usecase.RecordStorage
	Durable bool
	ping    func(ctx context.Context) error
	close   func() error
}

func (s *Storage) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

func (s *Storage) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func OpenStorage(cfg config.Storage, logger log.FieldLogger) (*Storage, error) {
	switch cfg.Driver {
	case config.StorageMemory, "":
		logger.Warn("using in-memory storage; records are lost on exit")
		m := memstore.New()
		return &Storage{Records: m, close: m.Close}, nil
	case config.StoragePostgres, config.StorageSQLite:
		driver := db.DriverPostgres
		if cfg.Driver == config.StorageSQLite {
			driver = db.DriverSQLite
		}
		store, err := db.Open(db.Options{
			Driver:  driver,
			DSN:     cfg.URL,
			Migrate: cfg.Migrate,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open %s storage: %w", cfg.Driver, err)
		}
		return &Storage{Records: store, Durable: true, ping: store.Ping, close: store.Close}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func PIIPolicy(ctx context.Context, cfg config.Audit) (usecase.PIIPolicy, error) {
	switch cfg.PolicyEngine {
	case config.PolicyBasic:
		return usecase.BasicPIIPolicy{}, nil
	case config.PolicyOPA, "":
		engine, err := policyopa.New(ctx, cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("load pii policy: %w", err)
		}
		return engine, nil
	default:
		return nil, fmt.Errorf("unknown pii policy engine %q", cfg.PolicyEngine)
	}
}

type Services struct {
	Audit   *usecase.AuditService
	Reports *usecase.ReportVersionStore
}

type ServicesConfig struct {
	Audit    config.Audit
	Records  usecase.RecordStorage
	Policy   usecase.PIIPolicy
	Observer usecase.Observer
	Sinks    []usecase.AuditSink
	Logger   log.FieldLogger
}

func NewServices(cfg ServicesConfig) (*Services, error) {
	hasher := crypto.NewContentHasher()
	audit, err := usecase.NewAuditService(usecase.AuditServiceConfig{
		Storage:          cfg.Records,
		Hasher:           hasher,
		Sinks:            cfg.Sinks,
		Observer:         cfg.Observer,
		PIIPolicy:        cfg.Policy,
		SSNFieldPatterns: cfg.Audit.SSNFieldPatterns,
		AppendRetries:    cfg.Audit.AppendRetries,
		Logger:           cfg.Logger.WithField("component", "audit"),
	})
	if err != nil {
		return nil, err
	}
	reports, err := usecase.NewReportVersionStore(usecase.ReportVersionStoreConfig{
		Storage:  cfg.Records,
		Audit:    audit,
		Hasher:   hasher,
		Observer: cfg.Observer,
		Logger:   cfg.Logger.WithField("component", "reports"),
	})
	if err != nil {
		return nil, err
	}
	return &Services{Audit: audit, Reports: reports}, nil
}
