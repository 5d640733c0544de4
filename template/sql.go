package template

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	// registers the "sqlite" driver
	_ "modernc.org/sqlite"
)

// pingTimeout bounds the connectivity check done when opening a database
const pingTimeout = 5 * time.Second

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLResolver reads templates from a table with id, language and code columns
type SQLResolver struct {
	db     *sql.DB
	query  string
	logger *zap.Logger
}

// NewSQLResolver creates a SQLResolver over an open database
func NewSQLResolver(db *sql.DB, table string, logger *zap.Logger) (*SQLResolver, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid template table name: %q", table)
	}
	return &SQLResolver{
		db:     db,
		query:  fmt.Sprintf("SELECT language, code FROM %s WHERE id = ?", table),
		logger: logger,
	}, nil
}

// OpenDB opens and pings a sqlite or mysql database
func OpenDB(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case "sqlite":
	case "mysql":
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		dsn = cfg.FormatDSN()
	default:
		return nil, fmt.Errorf("unsupported template driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}
	return db, nil
}

// Resolve returns the template with the given id
func (r *SQLResolver) Resolve(ctx context.Context, id int64) (Template, error) {
	t := Template{ID: id}
	err := r.db.QueryRowContext(ctx, r.query, id).Scan(&t.Language, &t.Code)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Template{}, notFound(id)
	case err != nil:
		r.logger.Error("template query failed", zap.Int64("template_id", id), zap.Error(err))
		return Template{}, fmt.Errorf("query template %d: %w", id, err)
	}
	return t, nil
}
