package database

import (
	"context"
	"net/url"
	"testing"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/bitbucket-deployer/pkg/params"
)

func TestParseJDBCURL(t *testing.T) {
	tests := []struct {
		url      string
		dialect  Dialect
		host     string
		port     int
		database string
	}{
		{"jdbc:postgresql://localhost:5432/bitbucket", Postgres, "localhost", 5432, "bitbucket"},
		{"jdbc:postgresql://db.example.com/bb", Postgres, "db.example.com", 5432, "bb"},
		{"jdbc:mysql://10.0.0.5:3307/bitbucket?characterEncoding=utf8", MySQL, "10.0.0.5", 3307, "bitbucket"},
		{"jdbc:mysql://mysql/bitbucket", MySQL, "mysql", 3306, "bitbucket"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			target, err := ParseJDBCURL(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.dialect, target.Dialect)
			assert.Equal(t, tt.host, target.Host)
			assert.Equal(t, tt.port, target.Port)
			assert.Equal(t, tt.database, target.Database)
		})
	}
}

func TestParseJDBCURLErrors(t *testing.T) {
	_, err := ParseJDBCURL("postgresql://localhost/bitbucket")
	assert.Error(t, err)

	_, err = ParseJDBCURL("jdbc:oracle:thin:@localhost:1521:orcl")
	assert.ErrorIs(t, err, ErrUnsupportedDatabase)

	_, err = ParseJDBCURL("jdbc:postgresql:///bitbucket")
	assert.Error(t, err)
}

func TestPostgresDSN(t *testing.T) {
	target, err := ParseJDBCURL("jdbc:postgresql://db:5433/bitbucket?sslmode=require")
	require.NoError(t, err)

	dsn := target.DSN("bitbucket", "p@ss word")
	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "postgres", u.Scheme)
	assert.Equal(t, "db:5433", u.Host)
	assert.Equal(t, "/bitbucket", u.Path)
	assert.Equal(t, "require", u.Query().Get("sslmode"))
	pass, _ := u.User.Password()
	assert.Equal(t, "p@ss word", pass)
}

func TestMySQLDSN(t *testing.T) {
	target, err := ParseJDBCURL("jdbc:mysql://db:3306/bitbucket?autocommit=true")
	require.NoError(t, err)

	cfg, err := mysqldriver.ParseDSN(target.DSN("bitbucket", "secret"))
	require.NoError(t, err)
	assert.Equal(t, "bitbucket", cfg.User)
	assert.Equal(t, "secret", cfg.Passwd)
	assert.Equal(t, "db:3306", cfg.Addr)
	assert.Equal(t, "bitbucket", cfg.DBName)
	assert.True(t, cfg.ParseTime)
	assert.Equal(t, "true", cfg.Params["autocommit"])
}

func TestPreflightRejectsBadSettings(t *testing.T) {
	_, err := Preflight(context.Background(), params.DatabaseSettings{Driver: "org.postgresql.Driver"}, nil)
	assert.ErrorIs(t, err, params.ErrMissingRequiredParameter)

	_, err = Preflight(context.Background(), params.DatabaseSettings{
		Driver:   "oracle.jdbc.OracleDriver",
		URL:      "jdbc:oracle:thin:@localhost:1521:orcl",
		User:     "u",
		Password: "p",
	}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedDatabase)
}
