package db

import (
	"context"
	"database/sql"
	"time"
)

// Database abstracts a SQL database with connection pooling.
// Implementations wrap database/sql so callers never import a driver.
type Database interface {
	// Query executes a query that returns rows
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)

	// QueryRow executes a query that returns at most one row
	QueryRow(ctx context.Context, query string, args ...interface{}) Row

	// Exec executes a query that doesn't return rows
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)

	// Transaction executes fn within a transaction, committing on nil error
	// and rolling back otherwise
	Transaction(ctx context.Context, fn func(tx Transaction) error) error

	// BeginTx starts a new transaction with the given options
	BeginTx(ctx context.Context, opts *TxOptions) (Transaction, error)

	// Prepare creates a prepared statement for later queries or executions
	Prepare(ctx context.Context, query string) (Stmt, error)

	// Ping verifies a connection to the database is still alive
	Ping(ctx context.Context) error

	// Close closes the database and its connection pool
	Close() error

	// Stats returns connection pool statistics
	Stats() Stats

	// GetDB returns the underlying driver database instance
	GetDB() interface{}
}

// Rows is the result of a query that returns multiple rows
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
	Columns() ([]string, error)
	ColumnTypes() ([]ColumnType, error)
	NextResultSet() bool
}

// Row is the result of a query that returns at most one row
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarizes an executed statement
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// Transaction represents an in-progress database transaction
type Transaction interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
	Prepare(ctx context.Context, query string) (Stmt, error)
	Commit() error
	Rollback() error
}

// Stmt is a prepared statement
type Stmt interface {
	Exec(ctx context.Context, args ...interface{}) (Result, error)
	Query(ctx context.Context, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, args ...interface{}) Row
	Close() error
}

// ColumnType describes a column returned by a query
type ColumnType interface {
	Name() string
	DatabaseTypeName() string
	Length() (int64, bool)
	Nullable() (bool, bool)
	DecimalSize() (int64, int64, bool)
	ScanType() interface{}
}

// IsolationLevel is the transaction isolation level
type IsolationLevel int

const (
	LevelDefault IsolationLevel = iota
	LevelReadUncommitted
	LevelReadCommitted
	LevelRepeatableRead
	LevelSerializable
)

// TxOptions holds transaction options independent of database/sql
type TxOptions struct {
	Isolation IsolationLevel
	ReadOnly  bool
}

// ConvertTxOptions converts TxOptions to database/sql options
func ConvertTxOptions(opts *TxOptions) *sql.TxOptions {
	if opts == nil {
		return nil
	}
	var level sql.IsolationLevel
	switch opts.Isolation {
	case LevelReadUncommitted:
		level = sql.LevelReadUncommitted
	case LevelReadCommitted:
		level = sql.LevelReadCommitted
	case LevelRepeatableRead:
		level = sql.LevelRepeatableRead
	case LevelSerializable:
		level = sql.LevelSerializable
	default:
		level = sql.LevelDefault
	}
	return &sql.TxOptions{Isolation: level, ReadOnly: opts.ReadOnly}
}

// Stats holds connection pool statistics
type Stats struct {
	MaxOpenConnections int

	OpenConnections int
	InUse           int
	Idle            int

	WaitCount         int64
	WaitDuration      time.Duration
	MaxIdleClosed     int64
	MaxIdleTimeClosed int64
	MaxLifetimeClosed int64
}

// ConvertSQLStats converts database/sql statistics
func ConvertSQLStats(s sql.DBStats) Stats {
	return Stats{
		MaxOpenConnections: s.MaxOpenConnections,
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		WaitCount:          s.WaitCount,
		WaitDuration:       s.WaitDuration,
		MaxIdleClosed:      s.MaxIdleClosed,
		MaxIdleTimeClosed:  s.MaxIdleTimeClosed,
		MaxLifetimeClosed:  s.MaxLifetimeClosed,
	}
}
