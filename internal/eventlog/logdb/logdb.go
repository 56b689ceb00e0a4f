// Package logdb stores the access log through gorm, so the same code serves
// MySQL, PostgreSQL and SQLite.
package logdb

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/andresmejia3/smartlock/internal/eventlog"
	"github.com/andresmejia3/smartlock/internal/types"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// record is the smart_lock_logs row.
type record struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Timestamp time.Time `gorm:"not null;index"`
	EventType string    `gorm:"type:varchar(16);not null;index"`
	Name      *string   `gorm:"size:255"`
}

func (record) TableName() string { return "smart_lock_logs" }

func (r record) entry() types.LogEntry {
	return types.LogEntry{
		ID:        r.ID,
		Timestamp: r.Timestamp,
		EventType: types.EventType(r.EventType),
		Name:      r.Name,
	}
}

// DB is a gorm-backed eventlog.Storer.
type DB struct {
	db *gorm.DB
}

var _ eventlog.Storer = (*DB)(nil)

// Open connects with the given dialect (mysql, postgres or sqlite) and migrates the table.
func Open(driver, dsn string) (*DB, error) {
	dial, isSQLite, err := getDialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	return open(dial, isSQLite, true)
}

func open(dial gorm.Dialector, isSQLite, migrate bool) (*DB, error) {
	db, err := gorm.Open(dial, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger: logger.New(slogWriter{slog.With("component", "logdb")}, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if isSQLite {
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(2)
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if migrate {
		if err := db.AutoMigrate(&record{}); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("migrate smart_lock_logs: %w", err)
		}
	}
	return &DB{db: db}, nil
}

// getDialector returns the dialector and whether it is sqlite.
func getDialector(driver, dsn string) (gorm.Dialector, bool, error) {
	switch driver {
	case "postgres":
		return postgres.New(postgres.Config{
			DriverName: "pgx",
			DSN:        dsn,
		}), false, nil
	case "mysql":
		dsn = strings.TrimPrefix(dsn, "mysql://")
		if !strings.Contains(dsn, "parseTime=") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "parseTime=true"
		}
		return mysql.Open(dsn), false, nil
	case "sqlite", "":
		if dsn == "" {
			dsn = "smartlock.db"
		}
		return sqlite.Open(dsn), true, nil
	}
	return nil, false, fmt.Errorf("unsupported database driver %q", driver)
}

// Insert stores e. Timestamps are kept in UTC so range scans compare correctly on every dialect.
func (d *DB) Insert(ctx context.Context, e *types.LogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	rec := record{
		Timestamp: e.Timestamp.UTC(),
		EventType: string(e.EventType),
		Name:      e.Name,
	}
	if err := d.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return err
	}
	e.ID = rec.ID
	return nil
}

// List returns entries matching f, newest first.
func (d *DB) List(ctx context.Context, f eventlog.Filter) ([]types.LogEntry, error) {
	q := d.db.WithContext(ctx).Model(&record{})
	if f.From != nil {
		q = q.Where("timestamp >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("timestamp < ?", f.To.UTC())
	}
	if f.Type != "" {
		q = q.Where("event_type = ?", string(f.Type))
	}

	var recs []record
	if err := q.Order("timestamp DESC").Order("id DESC").Find(&recs).Error; err != nil {
		return nil, err
	}

	out := make([]types.LogEntry, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.entry())
	}
	return out, nil
}

// Reset drops the table.
func (d *DB) Reset(ctx context.Context) error {
	return d.db.WithContext(ctx).Migrator().DropTable(&record{})
}

// Close releases the connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogWriter routes gorm's logger through slog.
type slogWriter struct {
	log *slog.Logger
}

func (w slogWriter) Printf(format string, args ...interface{}) {
	w.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
