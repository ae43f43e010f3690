/*
Copyright 2025 SnowFlow Operations, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package storage is the MySQL persistence layer. All reads and writes go
// through *DB or, for multi-statement atomicity, through Transact. Driver
// errors are converted to trace errors at this boundary so the layers above
// never see a *mysql.MySQLError.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/gravitational/trace"
	"github.com/jmoiron/sqlx"

	"github.com/snowflow/license-server/lib/logger"
)

const (
	// DefaultMaxOpenConns bounds the pool; admission transactions hold row
	// locks, so a modest pool keeps lock queues short.
	DefaultMaxOpenConns = 10
	// DefaultConnMaxLifetime recycles connections before typical LB idle
	// timeouts cut them.
	DefaultConnMaxLifetime = 30 * time.Minute
)

// Config holds database connection settings.
type Config struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`

	MaxOpenConns    int           `toml:"max_open_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 3306
	}
	if c.User == "" {
		return trace.BadParameter("missing database user")
	}
	if c.Database == "" {
		return trace.BadParameter("missing database name")
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = DefaultConnMaxLifetime
	}
	return nil
}

// DSN renders the go-sql-driver connection string.
func (c Config) DSN() string {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = c.Host + ":" + strconv.Itoa(c.Port)
	mc.User = c.User
	mc.Passwd = c.Password
	mc.DBName = c.Database
	mc.ParseTime = true
	mc.MultiStatements = true
	return mc.FormatDSN()
}

// queries is the shared method set; it runs against either the pool or an
// open transaction depending on which embeds it.
type queries struct {
	q sqlx.ExtContext
}

// DB is the connection pool handle.
type DB struct {
	queries
	db *sqlx.DB
}

// Tx is an open transaction. It exposes the same query methods as DB plus
// the locking reads only meaningful inside a transaction.
type Tx struct {
	queries
	tx *sqlx.Tx
}

// Open connects to MySQL and verifies the connection.
func Open(ctx context.Context, conf Config) (*DB, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	db, err := sqlx.Open("mysql", conf.DSN())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	db.SetMaxOpenConns(conf.MaxOpenConns)
	db.SetConnMaxLifetime(conf.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, trace.ConnectionProblem(err, "connecting to mysql at %s:%d", conf.Host, conf.Port)
	}

	logger.Get(ctx).WithField("database", conf.Database).Debug("Connected to MySQL")
	return &DB{queries: queries{q: db}, db: db}, nil
}

// NewDBForTest wraps an existing *sql.DB (e.g. sqlmock) in a DB handle.
func NewDBForTest(raw *sql.DB) *DB {
	db := sqlx.NewDb(raw, "mysql")
	return &DB{queries: queries{q: db}, db: db}
}

// Close releases the pool.
func (d *DB) Close() error {
	return trace.Wrap(d.db.Close())
}

// Ping verifies database reachability; used by the health endpoint.
func (d *DB) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return trace.ConnectionProblem(err, "database ping failed")
	}
	return nil
}

// Transact runs fn inside a transaction, committing on nil and rolling back
// on error or panic. The error returned by fn passes through unchanged so
// sentinel checks keep working across the boundary.
func (d *DB) Transact(ctx context.Context, fn func(*Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return convertError(err)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(&Tx{queries: queries{q: tx}, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Get(ctx).WithError(rbErr).Warn("Transaction rollback failed")
		}
		return trace.Wrap(err)
	}
	return convertError(tx.Commit())
}

// mysqlErrDupEntry is ER_DUP_ENTRY, the unique constraint violation.
const mysqlErrDupEntry = 1062

// mysqlErrLockDeadlock is ER_LOCK_DEADLOCK; callers may retry.
const mysqlErrLockDeadlock = 1213

// convertError maps driver errors onto trace errors.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return trace.NotFound("record not found")
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrDupEntry:
			return trace.AlreadyExists("duplicate record: %s", mysqlErr.Message)
		case mysqlErrLockDeadlock:
			return trace.ConnectionProblem(err, "transaction deadlock")
		}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, mysql.ErrInvalidConn) {
		return trace.ConnectionProblem(err, "database connection lost")
	}
	return trace.Wrap(err)
}

func (g queries) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return convertError(sqlx.GetContext(ctx, g.q, dest, query, args...))
}

func (g queries) list(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return convertError(sqlx.SelectContext(ctx, g.q, dest, query, args...))
}

func (g queries) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	res, err := g.q.ExecContext(ctx, query, args...)
	return res, convertError(err)
}
