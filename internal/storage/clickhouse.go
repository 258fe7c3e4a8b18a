package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/worktime-compliance/internal/config"
)

// auditTables must exist before compliance outcomes can be recorded
var auditTables = []string{"compliance_events", "daily_compliance_summary"}

// ClickHouseDB is the compliance audit store
type ClickHouseDB struct {
	conn driver.Conn
}

// clickHouseOptions sizes the connection for one rollover batch insert per
// day plus occasional admin summary reads.
func clickHouseOptions(cfg *config.ClickHouseConfig) *clickhouse.Options {
	return &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:      5 * time.Second,
		ReadTimeout:      2 * time.Minute,
		MaxOpenConns:     2,
		MaxIdleConns:     1,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	}
}

// NewClickHouseDB opens the audit store. The tables are not required here so
// that the migrate command can create them.
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(clickHouseOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying ClickHouse connection
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

// Ping checks if the database is reachable
func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

// Ready reports whether the audit tables are in place, so a server started
// before migrations shows up as degraded.
func (db *ClickHouseDB) Ready(ctx context.Context) error {
	rows, err := db.conn.Query(ctx, `
		SELECT name FROM system.tables
		WHERE database = currentDatabase() AND name IN (?)
	`, auditTables)
	if err != nil {
		return fmt.Errorf("failed to list audit tables: %w", err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(auditTables))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan audit table: %w", err)
		}
		found[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	return missingTables(auditTables, found)
}

func missingTables(want []string, found map[string]bool) error {
	var errs []error
	for _, name := range want {
		if !found[name] {
			errs = append(errs, fmt.Errorf("table %s is missing, run migrations", name))
		}
	}
	return errors.Join(errs...)
}

// Exec executes a query without returning rows
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	return db.conn.Exec(ctx, query, args...)
}
