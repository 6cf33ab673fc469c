package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"veritas/internal/domain"
	"veritas/internal/usecase"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var errDBUnavailable = errors.New("db unavailable")

type Options struct {
	Driver string
	DSN    string
	// Migrate applies the schema on open.
	Migrate bool
	Logger  log.FieldLogger
}

// Store is the gorm-backed RecordStorage.
type Store struct {
	DB     *gorm.DB
	driver string
	log    log.FieldLogger
}

var _ usecase.RecordStorage = (*Store)(nil)

func Open(opts Options) (*Store, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("%w: empty dsn", errDBUnavailable)
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	var dialector gorm.Dialector
	switch opts.Driver {
	case DriverPostgres, "":
		opts.Driver = DriverPostgres
		dialector = postgres.Open(opts.DSN)
	case DriverSQLite:
		dialector = sqlite.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", opts.Driver, err)
	}
	s := &Store{DB: gdb, driver: opts.Driver, log: opts.Logger.WithField("storage", opts.Driver)}
	if opts.Driver == DriverSQLite {
		// sqlite allows a single writer.
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	if opts.Migrate {
		if err := s.migrate(opts.DSN); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) ready() error {
	if s == nil || s.DB == nil {
		return errDBUnavailable
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// lockChain serializes writers of one chain until tx ends. Postgres takes a
// transaction advisory lock; sqlite already runs one writer on its single
// connection.
func (s *Store) lockChain(tx *gorm.DB, key string) error {
	if s.driver != DriverPostgres {
		return nil
	}
	return tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", key).Error
}

func subjectLockKey(kind, id string) string {
	return "audit:" + kind + "/" + id
}

func reportLockKey(k domain.ChainKey) string {
	return "report:" + k.TenantID + "/" + k.ReportID
}

// isDuplicate reports a unique index violation. TranslateError covers
// postgres; the string checks cover dialects without a translator.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, domain.ErrConcurrentVersionConflict),
		errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrNotFound):
		return err
	}
	return domain.StorageError(op, err)
}
