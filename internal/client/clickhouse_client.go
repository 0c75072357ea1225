package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"mailer-service/internal/config"
	"mailer-service/internal/models"
)

const createAttemptsTable = `
CREATE TABLE IF NOT EXISTS email_delivery_attempts (
	run_id       String,
	kind         LowCardinality(String),
	job_id       String,
	uid          Int64,
	eid          Nullable(Int64),
	to_email     String,
	outcome      LowCardinality(String),
	message_id   String,
	error        String,
	retry_count  UInt16,
	attempted_at DateTime64(3, 'UTC'),
	duration_ms  UInt32
) ENGINE = MergeTree
ORDER BY (uid, attempted_at)
TTL toDateTime(attempted_at) + INTERVAL 180 DAY`

const insertAttempt = `INSERT INTO email_delivery_attempts
	(run_id, kind, job_id, uid, eid, to_email, outcome, message_id, error, retry_count, attempted_at, duration_ms)`

type ClickHouseClient struct {
	conn   driver.Conn
	config *config.ClickhouseConfig
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewClickHouseClient opens the analytics connection and ensures the attempts table exists.
func NewClickHouseClient(cfg *config.Config, logger *zap.Logger) (*ClickHouseClient, error) {
	chConfig := cfg.Clickhouse

	opts := &ch.Options{
		Addr: []string{extractHostPort(chConfig.URL)},
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		DialTimeout:          30 * time.Second,
		MaxOpenConns:         20,
		MaxIdleConns:         10,
		ConnMaxLifetime:      time.Hour,
		ConnOpenStrategy:     ch.ConnOpenInOrder,
		BlockBufferSize:      10,
		MaxCompressionBuffer: 10240,
	}

	if cfg.IsProduction() || strings.HasPrefix(chConfig.URL, "https://") {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: extractHostname(chConfig.URL),
		}
		if caCertPath := getEnv("CLICKHOUSE_CA_FILE", ""); caCertPath != "" {
			caCert, err := os.ReadFile(caCertPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read ClickHouse CA file: %w", err)
			}
			caCertPool := x509.NewCertPool()
			if !caCertPool.AppendCertsFromPEM(caCert) {
				return nil, fmt.Errorf("failed to append CA cert")
			}
			tlsConfig.RootCAs = caCertPool
		}
		opts.TLS = tlsConfig
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	if err := conn.Exec(ctx, createAttemptsTable); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create attempts table: %w", err)
	}

	logger.Info("ClickHouse client initialized successfully",
		zap.String("url", chConfig.URL),
		zap.String("database", chConfig.Database),
		zap.Bool("tls_enabled", opts.TLS != nil),
	)

	return &ClickHouseClient{
		conn:   conn,
		config: &chConfig,
		logger: logger,
	}, nil
}

// RecordAttempt appends one row to email_delivery_attempts.
func (c *ClickHouseClient) RecordAttempt(ctx context.Context, attempt models.DeliveryAttempt) error {
	return c.BatchInsert(ctx, insertAttempt, [][]interface{}{attemptRow(attempt)})
}

// AttemptCounts returns per-outcome totals for uid since the given time.
func (c *ClickHouseClient) AttemptCounts(ctx context.Context, uid int64, since time.Time) (map[string]uint64, error) {
	rows, err := c.QueryRows(ctx,
		`SELECT outcome, count() FROM email_delivery_attempts WHERE uid = ? AND attempted_at >= ? GROUP BY outcome`,
		uid, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempt counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]uint64)
	for rows.Next() {
		var (
			outcome string
			n       uint64
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan attempt counts: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

func attemptRow(a models.DeliveryAttempt) []interface{} {
	return []interface{}{
		a.RunID,
		a.Kind,
		a.JobID,
		a.UID,
		a.EID,
		a.ToEmail,
		a.Outcome,
		a.MessageID,
		a.Error,
		uint16(a.RetryCount),
		a.AttemptedAt,
		uint32(a.Duration.Milliseconds()),
	}
}

func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Exec(ctx, query, args...)
}

func (c *ClickHouseClient) QueryRows(ctx context.Context, query string, args ...interface{}) (driver.Rows, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Query(ctx, query, args...)
}

func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, data [][]interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, row := range data {
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("failed to append row to batch: %w", err)
		}
	}

	return batch.Send()
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close ClickHouse connection", zap.Error(err))
			return err
		}
		c.logger.Info("ClickHouse connection closed")
	}
	return nil
}

func extractHostPort(url string) string {
	cleanURL := strings.TrimPrefix(url, "http://")
	cleanURL = strings.TrimPrefix(cleanURL, "https://")
	if !strings.Contains(cleanURL, ":") {
		if strings.HasPrefix(url, "https://") {
			return cleanURL + ":9440"
		}
		return cleanURL + ":9000"
	}
	return cleanURL
}

func extractHostname(url string) string {
	hostPort := extractHostPort(url)
	return strings.Split(hostPort, ":")[0]
}
