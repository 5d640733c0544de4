package template

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
)

// Open builds the Resolver selected by the templates config section. The
// returned close function releases any database or redis connection.
func Open(cfg *config.Config, logger *zap.Logger) (Resolver, func() error, error) {
	tc := cfg.Templates
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	var resolver Resolver
	switch tc.Driver {
	case "", "memory":
		seed := make([]Template, 0, len(tc.Entries))
		for _, e := range tc.Entries {
			seed = append(seed, Template{ID: e.ID, Language: e.Language, Code: e.Code})
		}
		memory := NewMemoryResolver(seed...)
		logger.Debug("templates loaded from config", zap.Int("count", memory.Len()))
		resolver = memory
	case "sqlite", "mysql":
		db, err := OpenDB(tc.Driver, tc.DSN)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, db.Close)
		sqlResolver, err := NewSQLResolver(db, tc.Table, logger)
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		resolver = sqlResolver
	default:
		return nil, nil, fmt.Errorf("unsupported template driver: %s", tc.Driver)
	}

	if tc.Cache.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     tc.Cache.RedisAddr,
			Password: tc.Cache.RedisPassword,
			DB:       tc.Cache.RedisDB,
		})
		closers = append(closers, client.Close)

		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		if err := client.Ping(ctx).Err(); err != nil {
			// Resolve falls back to the backing store while redis is down.
			logger.Warn("template cache is not reachable", zap.String("addr", tc.Cache.RedisAddr), zap.Error(err))
		}
		cancel()

		resolver = NewCachedResolver(resolver, client, time.Duration(tc.Cache.TTLSec)*time.Second, logger)
	}

	logger.Info("template resolver ready",
		zap.String("driver", driverName(tc.Driver)),
		zap.Bool("cache", tc.Cache.RedisAddr != ""))
	return resolver, closeAll, nil
}

func driverName(driver string) string {
	if driver == "" {
		return "memory"
	}
	return driver
}
