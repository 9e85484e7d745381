package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/aidenerard/fluxspace-site/internal/platform/envutil"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Driver     string
	DSN        string
	SQLitePath string
}

// ConfigFromEnv reads DB_DRIVER plus either POSTGRES_* / DATABASE_URL or SQLITE_PATH.
func ConfigFromEnv() Config {
	cfg := Config{
		Driver:     strings.ToLower(envutil.String("DB_DRIVER", DriverPostgres)),
		DSN:        envutil.String("DATABASE_URL", ""),
		SQLitePath: envutil.String("SQLITE_PATH", "fluxspace.db"),
	}
	if cfg.Driver == DriverPostgres && cfg.DSN == "" {
		cfg.DSN = fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s?sslmode=disable",
			envutil.String("POSTGRES_USER", "postgres"),
			envutil.String("POSTGRES_PASSWORD", ""),
			envutil.String("POSTGRES_HOST", "localhost"),
			envutil.String("POSTGRES_PORT", "5432"),
			envutil.String("POSTGRES_NAME", "fluxspace"),
		)
	}
	return cfg
}

type Service struct {
	db     *gorm.DB
	driver string
	log    *logger.Logger
}

func NewService(logg *logger.Logger, cfg Config) (*Service, error) {
	serviceLog := logg.With("service", "DBService", "driver", cfg.Driver)

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	gormCfg := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
		}
	case DriverSQLite:
		db, err = OpenSQLite(cfg.SQLitePath, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite %q: %w", cfg.SQLitePath, err)
		}
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER=%q (allowed: %q, %q)", cfg.Driver, DriverPostgres, DriverSQLite)
	}

	serviceLog.Info("Database connected")
	return &Service{db: db, driver: cfg.Driver, log: serviceLog}, nil
}

// OpenSQLite opens a file-backed SQLite database with a single writer connection.
func OpenSQLite(path string, gormCfg *gorm.Config) (*gorm.DB, error) {
	if gormCfg == nil {
		gormCfg = &gorm.Config{Logger: gormLogger.Default.LogMode(gormLogger.Silent)}
	}
	dsn := path + "?_busy_timeout=5000&_foreign_keys=off&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func (s *Service) DB() *gorm.DB { return s.db }

func (s *Service) Driver() string { return s.driver }

func (s *Service) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
