// Package clickhouse adapts the columnar ClickHouse store to sql.SQL, used
// as the analytics-store destination for ingested change events.
package clickhouse

import (
	"context"
	"fmt"

	"github.com/nova-corefabric/corefabric/pkg/database"
	"github.com/nova-corefabric/corefabric/pkg/database/sql"
	"github.com/nova-corefabric/corefabric/pkg/errors"
	"gorm.io/driver/clickhouse"
	"gorm.io/gorm"
)

// Adapter implements the sql.SQL interface for ClickHouse.
type Adapter struct {
	db *gorm.DB
}

// New creates a new ClickHouse connection using GORM.
func New(cfg sql.Config) (sql.SQL, error) {
	if cfg.Driver != database.DriverClickHouse {
		return nil, errors.New(errors.CodeInvalidArgument, fmt.Sprintf("invalid driver %s for clickhouse adapter", cfg.Driver), nil)
	}

	dsn := fmt.Sprintf("clickhouse://%s:%s@%s:%s/%s?dial_timeout=10s&read_timeout=20s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)

	db, err := gorm.Open(clickhouse.Open(dsn), &gorm.Config{
		Logger: database.NewGORMLogger(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to clickhouse")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get sql.DB")
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Adapter{db: db}, nil
}

// Get returns the primary database connection. ClickHouse has no shard
// concept in this adapter; GetShard always returns the same handle.
func (a *Adapter) Get(ctx context.Context) *gorm.DB {
	return a.db.WithContext(ctx)
}

func (a *Adapter) GetShard(ctx context.Context, key string) (*gorm.DB, error) {
	return a.db.WithContext(ctx), nil
}

func (a *Adapter) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying sql.DB")
	}
	return sqlDB.Close()
}
