package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/floyd-ryan/scribe/pkg/logger"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	sqldblogger "github.com/simukti/sqldb-logger"
)

const (
	SqlDialect          = "sqlite3"
	SqlConnectionString = "file:%s?_foreign_keys=on&_journal=WAL&_busy_timeout=5000"
)

var (
	//go:embed migrations/*.sql
	migrations embed.FS

	dbLogger = logger.Get("DB")
)

type (
	SqlLogger struct {
		logger logger.Logger
	}

	// DatabaseConfig is the subset of the configuration focusing solely
	// on the progress database. The store is a single sqlite file; no
	// other process is expected to write to it.
	DatabaseConfig struct {
		Path string `yaml:"path" env:"DB_PATH" env-default:"scribe.db" validate:"required"`
	}

	Manager interface {
		Connect(DatabaseConfig) error
		GetSqlxDb() *sqlx.DB
		WrapTx(func(*sqlx.Tx) error) error
		Close() error
	}

	manager struct {
		rawDb *sql.DB
		db    *sqlx.DB
	}
)

func New() *manager {
	return &manager{}
}

func (db *manager) Connect(config DatabaseConfig) error {
	dsn := fmt.Sprintf(SqlConnectionString, config.Path)
	rawSql, err := sql.Open(SqlDialect, dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database at %s: %w", config.Path, err)
	}

	rawSql = sqldblogger.OpenDriver(dsn, rawSql.Driver(), &SqlLogger{dbLogger})
	if err := rawSql.Ping(); err != nil {
		return fmt.Errorf("failed to ping sqlite database at %s: %w", config.Path, err)
	}

	// The store is single-writer; a second connection contending for the
	// write lock only ever means a misconfigured deployment.
	rawSql.SetMaxOpenConns(1)

	db.rawDb = rawSql
	db.db = sqlx.NewDb(rawSql, SqlDialect)

	if err := db.ExecuteMigrations(); err != nil {
		return err
	}

	dbLogger.Emit(logger.SUCCESS, "Database connection complete!\n")
	return nil
}

// ExecuteMigrations uses the comp-time embedded SQL migrations (found in the 'migrations'
// dir in this package) and runs them against the current DB instance.
//
// Note that this method must only be called following a successful DB connection.
func (db *manager) ExecuteMigrations() error {
	rawDb := db.rawDb
	if rawDb == nil {
		return errors.New("cannot execute migrations when DB manager has not yet connected")
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(&gooseLogger{dbLogger})
	if err := goose.SetDialect(SqlDialect); err != nil {
		return fmt.Errorf("failed to set dialect for DB migration: %w", err)
	}

	dbLogger.Emit(logger.INFO, "Checking for pending DB migrations...\n")
	if err := goose.Up(rawDb, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate DB: %w", err)
	}

	return nil
}

// GetSqlxDb returns the sqlx database connection if
// one has been opened using 'Connect'. Otherwise, nil is returned
func (db *manager) GetSqlxDb() *sqlx.DB {
	return db.db
}

// WrapTx is a convinience method around the top-level WrapTx, which simply
// uses the managers DB instance as the first argument.
func (db *manager) WrapTx(f func(tx *sqlx.Tx) error) error {
	if db.db == nil {
		return errors.New("DB manager has not yet connected")
	}

	return WrapTx(db.db, f)
}

func (db *manager) Close() error {
	if db.db == nil {
		return nil
	}

	return db.db.Close()
}

func (l *SqlLogger) Log(_ context.Context, level sqldblogger.Level, msg string, data map[string]any) {
	template := "%s - %v\n"
	switch level {
	case sqldblogger.LevelTrace, sqldblogger.LevelDebug:
		l.logger.Verbosef(template, msg, data)
	case sqldblogger.LevelInfo:
		l.logger.Debugf(template, msg, data)
	case sqldblogger.LevelError:
		l.logger.Errorf(template, msg, data)
	}
}

// gooseLogger adapts our logger to the interface goose expects
// for its migration output.
type gooseLogger struct {
	logger logger.Logger
}

func (l *gooseLogger) Fatalf(format string, v ...interface{}) { l.logger.Fatalf(format, v...) }
func (l *gooseLogger) Printf(format string, v ...interface{}) { l.logger.Debugf(format, v...) }

// WrapTx starts a transaction against the provided DB, and then calls the user
// provided function. If this function errors, the transaction is rolled back - otherwise
// the transaction is committed.
func WrapTx(db *sqlx.DB, f func(tx *sqlx.Tx) error) error {
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := f(tx); err != nil {
		dbLogger.Errorf("Transaction failed... rolling back. Error: %s\n", err.Error())
		return err
	}

	return tx.Commit()
}

// Queryable is the union of the sqlx methods common to both *sqlx.DB and
// *sqlx.Tx. Stores accept a Queryable so that callers decide whether an
// operation runs inside a transaction.
type Queryable interface {
	sqlx.Queryer
	sqlx.Execer
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	Rebind(query string) string
	NamedExec(query string, arg interface{}) (sql.Result, error)
}
