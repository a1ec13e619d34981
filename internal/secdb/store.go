// Package secdb provides read-only access to the Metasploit PostgreSQL
// database the lab containers report into. The schema is owned by
// Metasploit; this package only queries it, scoped to one workspace per
// call (Metasploit workspace names match workspace slugs).
package secdb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/common/config"
	"github.com/sarnowski/msfailab/internal/common/logger"
)

// Table names accepted by QueryTable and reported by Counts.
const (
	TableHosts    = "hosts"
	TableServices = "services"
	TableVulns    = "vulns"
	TableCreds    = "creds"
	TableLoots    = "loots"
	TableNotes    = "notes"
)

// Tables lists the queryable tables in a stable order.
var Tables = []string{TableHosts, TableServices, TableVulns, TableCreds, TableLoots, TableNotes}

// Totals maps a table name to its current row count for one workspace.
type Totals map[string]int64

// Host is one row of the hosts table.
type Host struct {
	ID        int64
	Address   string
	Name      string
	State     string
	OSName    string
	OSFlavor  string
	Purpose   string
	Info      string
	UpdatedAt time.Time
}

// Service is one row of the services table, joined to its host.
type Service struct {
	ID        int64
	Address   string
	Port      int
	Proto     string
	State     string
	Name      string
	Info      string
	UpdatedAt time.Time
}

// Vuln is one row of the vulns table, joined to its host.
type Vuln struct {
	ID        int64
	Address   string
	Name      string
	Info      string
	UpdatedAt time.Time
}

// Cred is one credential core joined to its public (username) and
// private (password, hash, key) parts.
type Cred struct {
	ID          int64
	Username    string
	Private     string
	PrivateType string
	UpdatedAt   time.Time
}

// Loot is one row of the loots table.
type Loot struct {
	ID          int64
	Address     string
	Type        string
	Name        string
	Info        string
	ContentType string
	Path        string
	UpdatedAt   time.Time
}

// Note is one row of the notes table.
type Note struct {
	ID        int64
	Address   string
	Type      string
	Data      string
	Critical  bool
	UpdatedAt time.Time
}

// Store wraps a pgxpool.Pool with typed read-only queries against the
// Metasploit schema.
type Store struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

// NewStore creates a connection pool from the configuration, verifies it
// with a ping, and returns the store.
func NewStore(ctx context.Context, cfg config.SecDBConfig, log *logger.Logger) (*Store, error) {
	return newStore(ctx, cfg.DSN(), cfg.MaxConns, log)
}

func newStore(ctx context.Context, dsn string, maxConns int, log *logger.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse security database config: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create security database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping security database: %w", err)
	}
	return &Store{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "secdb")),
	}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const hostsQuery = `
SELECT h.id, h.address::text, COALESCE(h.name, ''), COALESCE(h.state, ''),
       COALESCE(h.os_name, ''), COALESCE(h.os_flavor, ''),
       COALESCE(h.purpose, ''), COALESCE(h.info, ''), h.updated_at
FROM hosts h
JOIN workspaces w ON w.id = h.workspace_id
WHERE w.name = $1
ORDER BY h.id
LIMIT $2`

// Hosts returns the hosts recorded in the given workspace.
func (s *Store) Hosts(ctx context.Context, workspace string, limit int) ([]Host, error) {
	rows, err := s.pool.Query(ctx, hostsQuery, workspace, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query hosts: %w", err)
	}
	defer rows.Close()

	var result []Host
	for rows.Next() {
		var h Host
		if err := rows.Scan(&h.ID, &h.Address, &h.Name, &h.State, &h.OSName, &h.OSFlavor, &h.Purpose, &h.Info, &h.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

const servicesQuery = `
SELECT s.id, h.address::text, s.port, COALESCE(s.proto, ''), COALESCE(s.state, ''),
       COALESCE(s.name, ''), COALESCE(s.info, ''), s.updated_at
FROM services s
JOIN hosts h ON h.id = s.host_id
JOIN workspaces w ON w.id = h.workspace_id
WHERE w.name = $1
ORDER BY h.address, s.port
LIMIT $2`

// Services returns the services recorded in the given workspace.
func (s *Store) Services(ctx context.Context, workspace string, limit int) ([]Service, error) {
	rows, err := s.pool.Query(ctx, servicesQuery, workspace, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query services: %w", err)
	}
	defer rows.Close()

	var result []Service
	for rows.Next() {
		var v Service
		if err := rows.Scan(&v.ID, &v.Address, &v.Port, &v.Proto, &v.State, &v.Name, &v.Info, &v.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

const vulnsQuery = `
SELECT v.id, h.address::text, COALESCE(v.name, ''), COALESCE(v.info, ''), v.updated_at
FROM vulns v
JOIN hosts h ON h.id = v.host_id
JOIN workspaces w ON w.id = h.workspace_id
WHERE w.name = $1
ORDER BY v.id
LIMIT $2`

// Vulns returns the vulnerabilities recorded in the given workspace.
func (s *Store) Vulns(ctx context.Context, workspace string, limit int) ([]Vuln, error) {
	rows, err := s.pool.Query(ctx, vulnsQuery, workspace, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query vulns: %w", err)
	}
	defer rows.Close()

	var result []Vuln
	for rows.Next() {
		var v Vuln
		if err := rows.Scan(&v.ID, &v.Address, &v.Name, &v.Info, &v.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

const credsQuery = `
SELECT c.id, COALESCE(pub.username, ''), COALESCE(priv.data, ''),
       COALESCE(priv.type, ''), c.updated_at
FROM metasploit_credential_cores c
JOIN workspaces w ON w.id = c.workspace_id
LEFT JOIN metasploit_credential_publics pub ON pub.id = c.public_id
LEFT JOIN metasploit_credential_privates priv ON priv.id = c.private_id
WHERE w.name = $1
ORDER BY c.id
LIMIT $2`

// Creds returns the credentials recorded in the given workspace.
func (s *Store) Creds(ctx context.Context, workspace string, limit int) ([]Cred, error) {
	rows, err := s.pool.Query(ctx, credsQuery, workspace, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query creds: %w", err)
	}
	defer rows.Close()

	var result []Cred
	for rows.Next() {
		var c Cred
		if err := rows.Scan(&c.ID, &c.Username, &c.Private, &c.PrivateType, &c.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

const lootsQuery = `
SELECT l.id, COALESCE(h.address::text, ''), COALESCE(l.ltype, ''), COALESCE(l.name, ''),
       COALESCE(l.info, ''), COALESCE(l.content_type, ''), COALESCE(l.path, ''), l.updated_at
FROM loots l
JOIN workspaces w ON w.id = l.workspace_id
LEFT JOIN hosts h ON h.id = l.host_id
WHERE w.name = $1
ORDER BY l.id
LIMIT $2`

// Loots returns the loot records in the given workspace.
func (s *Store) Loots(ctx context.Context, workspace string, limit int) ([]Loot, error) {
	rows, err := s.pool.Query(ctx, lootsQuery, workspace, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query loots: %w", err)
	}
	defer rows.Close()

	var result []Loot
	for rows.Next() {
		var l Loot
		if err := rows.Scan(&l.ID, &l.Address, &l.Type, &l.Name, &l.Info, &l.ContentType, &l.Path, &l.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

const notesQuery = `
SELECT n.id, COALESCE(h.address::text, ''), COALESCE(n.ntype, ''), COALESCE(n.data, ''),
       COALESCE(n.critical, false), n.updated_at
FROM notes n
JOIN workspaces w ON w.id = n.workspace_id
LEFT JOIN hosts h ON h.id = n.host_id
WHERE w.name = $1
ORDER BY n.id
LIMIT $2`

// Notes returns the notes recorded in the given workspace.
func (s *Store) Notes(ctx context.Context, workspace string, limit int) ([]Note, error) {
	rows, err := s.pool.Query(ctx, notesQuery, workspace, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()

	var result []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.Address, &n.Type, &n.Data, &n.Critical, &n.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

var countQueries = map[string]string{
	TableHosts:    `SELECT COUNT(*) FROM hosts h JOIN workspaces w ON w.id = h.workspace_id WHERE w.name = $1`,
	TableServices: `SELECT COUNT(*) FROM services s JOIN hosts h ON h.id = s.host_id JOIN workspaces w ON w.id = h.workspace_id WHERE w.name = $1`,
	TableVulns:    `SELECT COUNT(*) FROM vulns v JOIN hosts h ON h.id = v.host_id JOIN workspaces w ON w.id = h.workspace_id WHERE w.name = $1`,
	TableCreds:    `SELECT COUNT(*) FROM metasploit_credential_cores c JOIN workspaces w ON w.id = c.workspace_id WHERE w.name = $1`,
	TableLoots:    `SELECT COUNT(*) FROM loots l JOIN workspaces w ON w.id = l.workspace_id WHERE w.name = $1`,
	TableNotes:    `SELECT COUNT(*) FROM notes n JOIN workspaces w ON w.id = n.workspace_id WHERE w.name = $1`,
}

// Counts returns the current row count of every queryable table for the
// given workspace. The change watcher polls this to detect new data.
func (s *Store) Counts(ctx context.Context, workspace string) (Totals, error) {
	totals := make(Totals, len(Tables))
	for _, table := range Tables {
		var n int64
		if err := s.pool.QueryRow(ctx, countQueries[table], workspace).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		totals[table] = n
	}
	return totals, nil
}

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
