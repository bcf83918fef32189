// Package database checks that the configured JDBC database is reachable
// before the application is started against it.
package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yourorg/bitbucket-deployer/pkg/params"
)

// ErrUnsupportedDatabase is returned for JDBC URLs that cannot be preflighted.
var ErrUnsupportedDatabase = errors.New("unsupported database")

// Dialect names the SQL dialect of a Target.
type Dialect string

const (
	Postgres Dialect = "postgresql"
	MySQL    Dialect = "mysql"
)

var defaultPorts = map[Dialect]int{
	Postgres: 5432,
	MySQL:    3306,
}

// Target is a parsed JDBC URL.
type Target struct {
	Dialect  Dialect
	Host     string
	Port     int
	Database string
	Params   url.Values
}

// ParseJDBCURL parses jdbc:postgresql:// and jdbc:mysql:// URLs.
func ParseJDBCURL(jdbcURL string) (*Target, error) {
	rest, ok := strings.CutPrefix(jdbcURL, "jdbc:")
	if !ok {
		return nil, fmt.Errorf("%q is not a JDBC URL", jdbcURL)
	}

	u, err := url.Parse(rest)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JDBC URL %q: %w", jdbcURL, err)
	}

	dialect := Dialect(u.Scheme)
	port, known := defaultPorts[dialect]
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDatabase, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("JDBC URL %q has no host", jdbcURL)
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("JDBC URL %q has invalid port: %w", jdbcURL, err)
		}
	}

	return &Target{
		Dialect:  dialect,
		Host:     u.Hostname(),
		Port:     port,
		Database: strings.TrimPrefix(u.Path, "/"),
		Params:   u.Query(),
	}, nil
}

// Address returns host:port.
func (t *Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// DSN returns the driver-native connection string.
func (t *Target) DSN(user, password string) string {
	switch t.Dialect {
	case MySQL:
		cfg := mysqldriver.NewConfig()
		cfg.User = user
		cfg.Passwd = password
		cfg.Net = "tcp"
		cfg.Addr = t.Address()
		cfg.DBName = t.Database
		cfg.ParseTime = true
		if len(t.Params) > 0 {
			cfg.Params = make(map[string]string, len(t.Params))
			for k := range t.Params {
				cfg.Params[k] = t.Params.Get(k)
			}
		}
		return cfg.FormatDSN()
	default:
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(user, password),
			Host:     t.Address(),
			Path:     "/" + t.Database,
			RawQuery: t.Params.Encode(),
		}
		return u.String()
	}
}

// Dialector returns the gorm dialector for the target.
func (t *Target) Dialector(user, password string) gorm.Dialector {
	dsn := t.DSN(user, password)
	if t.Dialect == MySQL {
		return mysql.Open(dsn)
	}
	return postgres.Open(dsn)
}

// Result describes a successful preflight.
type Result struct {
	Dialect       Dialect       `json:"dialect" yaml:"dialect"`
	Address       string        `json:"address" yaml:"address"`
	Database      string        `json:"database" yaml:"database"`
	ServerVersion string        `json:"server_version" yaml:"server_version"`
	Latency       time.Duration `json:"latency" yaml:"latency"`
}

// Preflight opens the database with the application's credentials and pings it.
func Preflight(ctx context.Context, settings params.DatabaseSettings, zapLogger *zap.Logger) (*Result, error) {
	if zapLogger == nil {
		zapLogger = zap.NewNop()
	}
	settings, err := params.ResolveDatabase(settings)
	if err != nil {
		return nil, err
	}
	target, err := ParseJDBCURL(settings.URL)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	db, err := gorm.Open(target.Dialector(settings.User, settings.Password), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database at %s: %w", target.Address(), err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database at %s: %w", target.Address(), err)
	}

	res := &Result{
		Dialect:  target.Dialect,
		Address:  target.Address(),
		Database: target.Database,
		Latency:  time.Since(start),
	}
	if err := db.WithContext(ctx).Raw("SELECT version()").Scan(&res.ServerVersion).Error; err != nil {
		zapLogger.Debug("could not read server version", zap.Error(err))
	}

	zapLogger.Info("database preflight succeeded",
		zap.String("dialect", string(res.Dialect)),
		zap.String("address", res.Address),
		zap.String("database", res.Database),
		zap.Duration("latency", res.Latency))

	return res, nil
}
