package outcomes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"onegate/config"
	"onegate/internal/storage"
)

// Result holds the initialized outcome logger and its dependencies.
// The caller is responsible for calling Close() to release resources.
type Result struct {
	Logger  Recorder
	Reader  Reader
	Storage storage.Storage
}

// Close releases all resources held by the outcome logger.
// Safe to call multiple times.
func (r *Result) Close() error {
	var errs []error
	if r.Logger != nil {
		if err := r.Logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("logger close: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
		r.Storage = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// New creates an outcome logger from configuration.
// If outcome logging is disabled, returns a NoopLogger with nil reader and storage.
func New(ctx context.Context, cfg *config.Config) (*Result, error) {
	if !cfg.Outcomes.Enabled {
		return &Result{Logger: &NoopLogger{}}, nil
	}

	store, err := storage.New(ctx, buildStorageConfig(cfg.Storage))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	outcomeStore, reader, err := createStore(ctx, store, cfg.Outcomes.RetentionDays)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Result{
		Logger:  NewLogger(outcomeStore, buildLoggerConfig(cfg.Outcomes)),
		Reader:  reader,
		Storage: store,
	}, nil
}

func buildStorageConfig(cfg config.StorageConfig) storage.Config {
	out := storage.DefaultConfig()
	if cfg.Type != "" {
		out.Type = cfg.Type
	}
	if cfg.SQLite.Path != "" {
		out.SQLite.Path = cfg.SQLite.Path
	}
	out.PostgreSQL.URL = cfg.PostgreSQL.URL
	if cfg.PostgreSQL.MaxConns > 0 {
		out.PostgreSQL.MaxConns = cfg.PostgreSQL.MaxConns
	}
	out.MongoDB.URL = cfg.MongoDB.URL
	if cfg.MongoDB.Database != "" {
		out.MongoDB.Database = cfg.MongoDB.Database
	}
	return out
}

// createStore builds the Store and Reader matching the storage backend.
func createStore(ctx context.Context, store storage.Storage, retentionDays int) (Store, Reader, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		s, err := NewSQLiteStore(store.SQLiteDB(), retentionDays)
		if err != nil {
			return nil, nil, err
		}
		r, err := NewSQLiteReader(store.SQLiteDB())
		return s, r, err

	case storage.TypePostgreSQL:
		s, err := NewPostgreSQLStore(ctx, store.PostgreSQLPool(), retentionDays)
		if err != nil {
			return nil, nil, err
		}
		r, err := NewPostgreSQLReader(store.PostgreSQLPool())
		return s, r, err

	case storage.TypeMongoDB:
		s, err := NewMongoDBStore(ctx, store.MongoDatabase(), retentionDays)
		if err != nil {
			return nil, nil, err
		}
		r, err := NewMongoDBReader(store.MongoDatabase())
		return s, r, err

	default:
		return nil, nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}

func buildLoggerConfig(cfg config.OutcomesConfig) Config {
	out := DefaultConfig()
	out.Enabled = cfg.Enabled
	if cfg.BufferSize > 0 {
		out.BufferSize = cfg.BufferSize
	}
	if cfg.FlushInterval > 0 {
		out.FlushInterval = time.Duration(cfg.FlushInterval) * time.Second
	}
	out.RetentionDays = cfg.RetentionDays
	return out
}
