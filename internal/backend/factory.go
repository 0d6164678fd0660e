package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"splitledger/internal/adapters"
	"splitledger/internal/amqp"
	"splitledger/internal/cache"
	applog "splitledger/internal/log"
	"splitledger/internal/services"
	"splitledger/internal/storage"
	"splitledger/internal/storage/memory"
)

const (
	defaultCacheSize = 1000
	defaultCacheTTL  = 5 * time.Minute
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{
		logger: applog.FromSlog(logger).WithComponent(applog.ComponentBackend).Logger,
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	store, err := f.openStore(ctx, config)
	if err != nil {
		return nil, err
	}

	// Ledger events are optional: without a broker the ledger still works,
	// only the export worker falls behind.
	var amqpClient *amqp.Client
	var publisher services.EventPublisher
	if config.AMQPURL != "" {
		amqpClient, err = amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue)
		if err != nil {
			f.logger.Warn("Failed to initialize AMQP client, continuing without ledger events", "error", err)
			amqpClient = nil
		} else {
			publisher = amqpClient
			f.logger.Info("Initialized AMQP client",
				"exchange", config.AMQPExchange,
				"queue", config.AMQPQueue)
		}
	}

	size, ttl := config.SettlementCacheSize, config.SettlementCacheTTL
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	settlements := cache.NewLRUCache[int64, services.Settlement](size, ttl)
	cacheManager := cache.NewManager()
	cacheManager.Register(settlements)
	cacheManager.StartCleanup(ttl)

	expenses := services.NewExpenseService(store, adapters.NewStoreDirectory(store), publisher, settlements)

	f.logger.Info("Initialized ledger backend",
		"type", config.Type,
		"amqp_enabled", amqpClient != nil,
		"settlement_cache_size", size)

	return &BackendResult{
		Store:       store,
		Expenses:    expenses,
		Groups:      services.NewGroupService(store, expenses),
		Settlements: settlements,
		AMQP:        amqpClient,
		Cleanup: func() error {
			cacheManager.Stop()
			var errs []error
			if amqpClient != nil {
				errs = append(errs, amqpClient.Close())
			}
			errs = append(errs, store.Close())
			return errors.Join(errs...)
		},
	}, nil
}

func (f *DefaultFactory) openStore(ctx context.Context, config Config) (storage.Store, error) {
	switch config.Type {
	case SQLiteBackend:
		store, err := storage.OpenSQLite(config.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
		}
		f.logger.InfoContext(ctx, "Initialized SQLite store", "db_path", config.SQLiteDBPath)
		return store, nil
	case PostgresBackend:
		store, err := storage.OpenPostgres(config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL store: %w", err)
		}
		f.logger.InfoContext(ctx, "Initialized PostgreSQL store")
		return store, nil
	case MemoryBackend:
		f.logger.InfoContext(ctx, "Initialized memory store")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}
