// Package sql defines the config and contract shared by the SQL adapters
// (clickhouse is the one adapter under adapters/).
package sql

import (
	"context"
	"time"

	"github.com/nova-corefabric/corefabric/pkg/database"
	"gorm.io/gorm"
)

// Config is the connection configuration common to every SQL adapter. Name
// is the database name.
type Config struct {
	Driver   database.Driver `env:"DB_DRIVER" validate:"required"`
	Host     string          `env:"DB_HOST"`
	Port     string          `env:"DB_PORT"`
	User     string          `env:"DB_USER"`
	Password string          `env:"DB_PASSWORD"`
	Name     string          `env:"DB_NAME"`

	SSLMode     string `env:"DB_SSL_MODE" env-default:"disable"`
	SSLRootCert string `env:"DB_SSL_ROOT_CERT"`
	SSLCert     string `env:"DB_SSL_CERT"`
	SSLKey      string `env:"DB_SSL_KEY"`

	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" env-default:"100"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"1h"`
}

// SQL is implemented by each driver adapter.
type SQL interface {
	Get(ctx context.Context) *gorm.DB
	GetShard(ctx context.Context, key string) (*gorm.DB, error)
	Close() error
}
