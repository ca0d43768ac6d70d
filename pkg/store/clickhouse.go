package store

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"gridflow/pkg/logging"
)

// Conn is a native ClickHouse driver connection, used for batch inserts and
// point queries against the aggregate tables.
type Conn = driver.Conn

// Config holds ClickHouse configuration
type Config struct {
	Addr     []string
	Database string
	Username string
	Password string
	Debug    bool
}

// DefaultConfig returns default ClickHouse configuration
func DefaultConfig() Config {
	return Config{
		Addr:     []string{"127.0.0.1:9000"},
		Database: "default",
		Username: "default",
		Password: "",
		Debug:    false,
	}
}

// Connect establishes a native connection to ClickHouse with the backbone's
// pool settings: 20 connections, 30s idle timeout, 2s dial timeout.
func Connect(cfg Config, logger logging.Logger) (Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug:           cfg.Debug,
		MaxOpenConns:    20,
		MaxIdleConns:    20,
		ConnMaxLifetime: 30 * time.Second,
		DialTimeout:     2 * time.Second,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to connect to ClickHouse")
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		logger.WithError(err).Error("Failed to ping ClickHouse")
		return nil, err
	}

	logger.WithFields(logging.Fields{
		"addr":     cfg.Addr,
		"database": cfg.Database,
	}).Info("Connected to ClickHouse")

	return conn, nil
}

// MustConnect connects to ClickHouse or exits
func MustConnect(cfg Config, logger logging.Logger) Conn {
	conn, err := Connect(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to ClickHouse")
	}
	return conn
}
