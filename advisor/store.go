package advisor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Session is the one database session shared by the whole run.
type Session interface {
	// GlobalVariable returns "" when the variable does not exist.
	GlobalVariable(ctx context.Context, name string) (string, error)
	UseDatabase(ctx context.Context, name string) error
	ExplainJSON(ctx context.Context, query string) (string, error)
	Close() error
}

// DSN renders the driver connection string. No schema is selected; the plan
// fetcher switches databases per query.
func (d DatabaseConfig) DSN() string {
	c := mysqldriver.NewConfig()
	c.User = d.User
	c.Passwd = d.Password
	c.Net = "tcp"
	c.Addr = d.Addr()
	// Dial only. Statements run without a deadline.
	c.Timeout = 10 * time.Second
	// SHOW ... LIKE ? is sent as text, not as a server side prepared statement.
	c.InterpolateParams = true
	return c.FormatDSN()
}

type GormSession struct {
	db *gorm.DB
}

func OpenSession(cfg DatabaseConfig) (*GormSession, error) {
	return openGorm(gormmysql.Open(cfg.DSN()))
}

func openGorm(dialector gorm.Dialector) (*GormSession, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// USE only sticks to the connection it ran on, so the pool is one connection.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	return &GormSession{db: db}, nil
}

type variableRow struct {
	Name  string `gorm:"column:Variable_name"`
	Value string `gorm:"column:Value"`
}

func (s *GormSession) GlobalVariable(ctx context.Context, name string) (string, error) {
	var rows []variableRow
	if err := s.db.WithContext(ctx).Raw("SHOW GLOBAL VARIABLES LIKE ?", name).Scan(&rows).Error; err != nil {
		return "", fmt.Errorf("show global variable %s: %w", name, err)
	}
	for _, r := range rows {
		if strings.EqualFold(r.Name, name) {
			return strings.TrimSpace(r.Value), nil
		}
	}
	return "", nil
}

func (s *GormSession) UseDatabase(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("use: empty database name")
	}
	return s.db.WithContext(ctx).Exec("USE " + quoteIdent(name)).Error
}

func (s *GormSession) ExplainJSON(ctx context.Context, query string) (string, error) {
	row := s.db.WithContext(ctx).Raw("EXPLAIN FORMAT=JSON " + query).Row()
	if row == nil {
		return "", errors.New("explain: no row")
	}
	var plan sql.NullString
	if err := row.Scan(&plan); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return plan.String, nil
}

func (s *GormSession) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	err = sqlDB.Close()
	s.db = nil
	return err
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
