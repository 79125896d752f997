// Package cli contains shared command-line helpers and utilities.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/micromdm/nanoapns/storage"
	"github.com/micromdm/nanoapns/storage/allmulti"
	"github.com/micromdm/nanoapns/storage/diskv"
	"github.com/micromdm/nanoapns/storage/inmem"
	"github.com/micromdm/nanoapns/storage/mongodb"
	"github.com/micromdm/nanoapns/storage/mysql"
	"github.com/micromdm/nanoapns/storage/pgsql"

	"github.com/micromdm/nanolib/log"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

type StringAccumulator []string

func (s *StringAccumulator) String() string {
	return strings.Join(*s, ",")
}

func (s *StringAccumulator) Set(value string) error {
	*s = append(*s, value)
	return nil
}

type Storage struct {
	Storage StringAccumulator
	DSN     StringAccumulator
	Options StringAccumulator
}

func NewStorage() *Storage {
	return &Storage{}
}

// Parse creates the configured credential storage.
// Multiple storage flags are combined with allmulti.
func (s *Storage) Parse(ctx context.Context, logger log.Logger) (storage.AllStorage, error) {
	if len(s.Storage) != len(s.DSN) {
		return nil, errors.New("must have same number of storage and DSN flags")
	}
	if len(s.Options) > 0 && len(s.Storage) != len(s.Options) {
		return nil, errors.New("must have same number of storage and storage options flags")
	}
	// default storage and DSN pair
	if len(s.Storage) < 1 {
		s.Storage = append(s.Storage, "file")
		s.DSN = append(s.DSN, "db")
	}
	var stores []storage.AllStorage
	for idx, name := range s.Storage {
		dsn := s.DSN[idx]
		options := ""
		if len(s.Options) > 0 {
			options = s.Options[idx]
		}
		logger.Info(
			"msg", "storage setup",
			"storage", name,
		)
		store, err := newStorage(ctx, name, dsn, options, logger)
		if err != nil {
			return nil, err
		}
		stores = append(stores, store)
	}
	if len(stores) < 1 {
		return nil, errors.New("no storage setup")
	}
	if len(stores) == 1 {
		return stores[0], nil
	}
	logger.Info("msg", "storage setup", "storage", "multi-storage", "count", len(stores))
	return allmulti.New(
		logger.With("component", "multi-storage"),
		stores...,
	), nil
}

var NoStorageOptions = errors.New("storage backend does not support options, please specify no (or empty) options")

func newStorage(ctx context.Context, name, dsn, options string, logger log.Logger) (storage.AllStorage, error) {
	switch name {
	case "inmem":
		if options != "" || dsn != "" {
			return nil, NoStorageOptions
		}
		return inmem.New(), nil
	case "file", "diskv":
		if options != "" {
			return nil, NoStorageOptions
		}
		return diskv.New(dsn), nil
	case "mysql":
		opts := []mysql.Option{
			mysql.WithDSN(dsn),
			mysql.WithLogger(logger.With("storage", "mysql")),
		}
		create, err := sqlOptions(options)
		if err != nil {
			return nil, err
		}
		if create {
			opts = append(opts, mysql.WithCreateSchema())
		}
		return mysql.New(opts...)
	case "pgsql", "postgresql":
		opts := []pgsql.Option{
			pgsql.WithDSN(dsn),
			pgsql.WithLogger(logger.With("storage", "pgsql")),
		}
		create, err := sqlOptions(options)
		if err != nil {
			return nil, err
		}
		if create {
			opts = append(opts, pgsql.WithCreateSchema())
		}
		return pgsql.New(opts...)
	case "mongodb":
		opts := []mongodb.Option{mongodb.WithLogger(logger.With("storage", "mongodb"))}
		kvs, err := parseOptions(options)
		if err != nil {
			return nil, err
		}
		for k, v := range kvs {
			switch k {
			case "database":
				opts = append(opts, mongodb.WithDatabase(v))
			default:
				return nil, fmt.Errorf("invalid mongodb option: %s", k)
			}
		}
		return mongodb.New(ctx, dsn, opts...)
	}
	return nil, fmt.Errorf("unknown storage: %s", name)
}

// sqlOptions parses the options of the SQL backends.
// Only "create_schema=true" is supported.
func sqlOptions(options string) (createSchema bool, err error) {
	kvs, err := parseOptions(options)
	if err != nil {
		return false, err
	}
	for k, v := range kvs {
		if k != "create_schema" {
			return false, fmt.Errorf("invalid sql option: %s", k)
		}
		if createSchema, err = strconv.ParseBool(v); err != nil {
			return false, fmt.Errorf("parsing create_schema: %w", err)
		}
	}
	return createSchema, nil
}

// parseOptions parses comma-separated key=value storage options.
func parseOptions(options string) (map[string]string, error) {
	out := make(map[string]string)
	if options == "" {
		return out, nil
	}
	for _, kv := range strings.Split(options, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid storage option: %q", kv)
		}
		out[k] = v
	}
	return out, nil
}
