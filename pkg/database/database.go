// Package database defines the driver-agnostic contract adapters implement
// and the shared plumbing (GORM logger bridge, TLS loading) they all need.
package database

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	apperrors "github.com/nova-corefabric/corefabric/pkg/errors"
	"github.com/nova-corefabric/corefabric/pkg/logger"
	gormlogger "gorm.io/gorm/logger"
)

// Driver identifies a concrete backend. Only the drivers an adapter under
// pkg/database actually speaks are listed here; adding one without also
// adding (or already having) the adapter that checks it is a dead constant.
type Driver string

const (
	DriverClickHouse Driver = "clickhouse"
	DriverPinecone   Driver = "pinecone"
)

// Config is the connection configuration for the vector store adapter.
type Config struct {
	Driver Driver `env:"DB_DRIVER" validate:"required"`
	Name   string `env:"DB_NAME"`

	// Pinecone-specific.
	APIKey      string `env:"DB_API_KEY"`
	Environment string `env:"DB_ENVIRONMENT"`
	ProjectID   string `env:"DB_PROJECT_ID"`
}

// NewGORMLogger bridges GORM's logging interface to the package-wide slog
// logger so SQL adapters share one logging pipeline with everything else.
func NewGORMLogger() gormlogger.Interface {
	return gormlogger.New(
		&slogWriter{},
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

type slogWriter struct{}

func (w *slogWriter) Printf(format string, args ...interface{}) {
	logger.L().Warn("gorm", "msg", fmt.Sprintf(format, args...))
}

// LoadTLSConfig builds a *tls.Config from a requested mode and optional PEM
// material. mode "disable"/"" returns nil (plaintext); "require"/"true"
// enables TLS without verifying the server's chain; any other value enables
// full verification, optionally pinned to a custom CA.
func LoadTLSConfig(mode, rootCertPath, certPath, keyPath string) (*tls.Config, error) {
	switch mode {
	case "", "disable":
		return nil, nil
	}

	cfg := &tls.Config{}

	if mode == "require" || mode == "true" {
		cfg.InsecureSkipVerify = true
		return cfg, nil
	}

	if rootCertPath != "" {
		pem, err := os.ReadFile(rootCertPath)
		if err != nil {
			return nil, apperrors.Wrap(err, "read tls root cert")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, apperrors.New(apperrors.CodeInvalidArgument, "invalid root cert pem", nil)
		}
		cfg.RootCAs = pool
	}

	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, apperrors.Wrap(err, "load tls client keypair")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
