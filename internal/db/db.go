// internal/db/db.go
package db

import (
    "database/sql"
    "fmt"
    "time"

    _ "github.com/lib/pq"
    "go.uber.org/zap"

    "github.com/unclebandit/campaign-dispatch/internal/config"
    "github.com/unclebandit/campaign-dispatch/internal/logger"
)

// DSN builds the lib/pq connection string from config.
func DSN(cfg *config.Config) string {
    return fmt.Sprintf(
        "postgres://%s:%s@%s:%s/%s?sslmode=disable",
        cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName,
    )
}

// Open connects to Postgres and verifies the connection with a ping.
func Open(cfg *config.Config, log *logger.Logger) (*sql.DB, error) {
    conn, err := sql.Open("postgres", DSN(cfg))
    if err != nil {
        return nil, fmt.Errorf("open db: %w", err)
    }

    conn.SetMaxOpenConns(25)
    conn.SetMaxIdleConns(5)
    conn.SetConnMaxLifetime(30 * time.Minute)

    if err = conn.Ping(); err != nil {
        conn.Close()
        return nil, fmt.Errorf("ping db: %w", err)
    }

    log.Logger.Info("connected to database",
        zap.String("host", cfg.DBHost),
        zap.String("name", cfg.DBName),
    )
    return conn, nil
}
