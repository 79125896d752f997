// Package mysql stores and retrieves APNs provider credentials from MySQL.
package mysql

import (
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/micromdm/nanolib/log"
)

// Schema holds the schema for the MySQL credential storage.
//
//go:embed schema.sql
var Schema string

type MySQLStorage struct {
	logger log.Logger
	db     *sql.DB
}

type config struct {
	driver       string
	dsn          string
	db           *sql.DB
	logger       log.Logger
	createSchema bool
}

type Option func(*config)

func WithLogger(logger log.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

func WithDriver(driver string) Option {
	return func(c *config) {
		c.driver = driver
	}
}

func WithDB(db *sql.DB) Option {
	return func(c *config) {
		c.db = db
	}
}

// WithCreateSchema creates the credentials table from Schema if it
// does not exist.
func WithCreateSchema() Option {
	return func(c *config) {
		c.createSchema = true
	}
}

func New(opts ...Option) (*MySQLStorage, error) {
	cfg := &config{logger: log.NopLogger, driver: "mysql"}
	for _, opt := range opts {
		opt(cfg)
	}
	var err error
	if cfg.db == nil {
		cfg.db, err = sql.Open(cfg.driver, cfg.dsn)
		if err != nil {
			return nil, err
		}
	}
	if err = cfg.db.Ping(); err != nil {
		return nil, err
	}
	if cfg.createSchema {
		if _, err = cfg.db.Exec(Schema); err != nil {
			return nil, fmt.Errorf("creating schema: %w", err)
		}
		cfg.logger.Debug("msg", "schema created")
	}
	return &MySQLStorage{db: cfg.db, logger: cfg.logger}, nil
}

// Close closes the database.
func (s *MySQLStorage) Close() error {
	return s.db.Close()
}

// nullEmptyString returns a NULL string if s is empty.
func nullEmptyString(s string) sql.NullString {
	return sql.NullString{
		String: s,
		Valid:  s != "",
	}
}

// nullEmptyBytes returns a NULL string if b is empty.
func nullEmptyBytes(b []byte) sql.NullString {
	return nullEmptyString(string(b))
}
