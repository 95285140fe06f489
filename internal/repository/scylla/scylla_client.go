package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"admission-service/internal/config"
	"admission-service/internal/util"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ip_blocks (
		tenant_code text,
		bucket int,
		block_id uuid,
		ip_address text,
		reason text,
		is_permanent boolean,
		blocked_at timestamp,
		expires_at timestamp,
		status text,
		blocked_by text,
		unblocked_by text,
		unblocked_at timestamp,
		updated_at timestamp,
		PRIMARY KEY ((tenant_code, bucket), block_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ip_block_active (
		tenant_code text,
		ip_address text,
		block_id uuid,
		bucket int,
		claimed_at timestamp,
		PRIMARY KEY ((tenant_code, ip_address))
	)`,
}

// Statements holds the CQL used by the block ledger. gocql prepares and
// caches each one on first use.
type Statements struct {
	ClaimActive   string
	ReleaseActive string
	GetActive     string
	InsertBlock   string
	GetBlock      string
	ListBucket    string
	SetStatus     string
	SetUnblocked  string
	DeleteBlock   string
}

type ScyllaClient struct {
	Session  *gocql.Session
	config   *config.ScyllaConfig
	Prepared *Statements
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Hosts...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = scyllaConfig.Timeout
	cluster.ConnectTimeout = scyllaConfig.Timeout
	cluster.NumConns = scyllaConfig.NumConns
	cluster.SocketKeepalive = 30 * time.Second
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 getEnv("SCYLLA_TLS_CA_FILE", "/app/certs/ca.pem"),
			CertPath:               getEnv("SCYLLA_TLS_CERT_FILE", "/app/certs/scylla.pem"),
			KeyPath:                getEnv("SCYLLA_TLS_KEY_FILE", "/app/certs/scylla.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:  session,
		config:   &scyllaConfig,
		Prepared: newStatements(),
	}

	if err := client.ensureSchema(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to ensure scylla schema: %w", err)
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("hosts", scyllaConfig.Hosts),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func newStatements() *Statements {
	return &Statements{
		ClaimActive: `INSERT INTO ip_block_active (tenant_code, ip_address, block_id, bucket, claimed_at)
			VALUES (?, ?, ?, ?, ?) IF NOT EXISTS`,
		ReleaseActive: `DELETE FROM ip_block_active WHERE tenant_code = ? AND ip_address = ? IF block_id = ?`,
		GetActive:     `SELECT block_id, bucket, claimed_at FROM ip_block_active WHERE tenant_code = ? AND ip_address = ?`,
		InsertBlock: `INSERT INTO ip_blocks (
			tenant_code, bucket, block_id, ip_address, reason, is_permanent,
			blocked_at, expires_at, status, blocked_by, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		GetBlock: `SELECT block_id, ip_address, reason, is_permanent, blocked_at, expires_at,
			status, blocked_by, unblocked_by, unblocked_at, updated_at
			FROM ip_blocks WHERE tenant_code = ? AND bucket = ? AND block_id = ?`,
		ListBucket: `SELECT block_id, ip_address, reason, is_permanent, blocked_at, expires_at,
			status, blocked_by, unblocked_by, unblocked_at, updated_at
			FROM ip_blocks WHERE tenant_code = ? AND bucket = ?`,
		SetStatus: `UPDATE ip_blocks SET status = ?, updated_at = ?
			WHERE tenant_code = ? AND bucket = ? AND block_id = ?`,
		SetUnblocked: `UPDATE ip_blocks SET status = ?, unblocked_by = ?, unblocked_at = ?, updated_at = ?
			WHERE tenant_code = ? AND bucket = ? AND block_id = ?`,
		DeleteBlock: `DELETE FROM ip_blocks WHERE tenant_code = ? AND bucket = ? AND block_id = ?`,
	}
}

func (s *ScyllaClient) ensureSchema() error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).Exec(); err != nil {
			return err
		}
	}
	util.Info("ScyllaDB block ledger schema ensured")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry retries idempotent writes on transient failures.
func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if lastErr = query.Exec(); lastErr == nil {
			return nil
		}
		if i < maxRetries {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}
