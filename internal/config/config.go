package config

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/sethvargo/go-envconfig"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "SEEDLOOP_"

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

var procedureName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)?$`)

// Config is everything a seeding run needs. The zero value is not usable;
// obtain one through Load or Default.
type Config struct {
	Driver   string `env:"DRIVER, default=mysql"`
	Host     string `env:"HOST, default=localhost"`
	Port     int    `env:"PORT, default=3307"`
	User     string `env:"USER, default=root"`
	Password string `env:"PASSWORD"`
	Database string `env:"DATABASE, default=ecommerce"`
	SSLMode  string `env:"SSLMODE, default=disable"`

	Procedure string `env:"PROCEDURE, default=insert_users_chunk"`
	// Statement replaces the generated CALL when set.
	Statement string `env:"STATEMENT"`

	Iterations           int           `env:"ITERATIONS, default=50"`
	Delay                time.Duration `env:"DELAY, default=1s"`
	ExpectedRowsPerBatch int64         `env:"ROWS_PER_BATCH, default=100000"`

	StatusAddr string `env:"STATUS_ADDR"`
}

// Load reads SEEDLOOP_* variables from the process environment.
func Load(ctx context.Context) (*Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom is Load with an explicit lookuper.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, l),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration with no environment applied.
func Default() *Config {
	cfg, err := LoadFrom(context.Background(), envconfig.MapLookuper(nil))
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c *Config) Validate() error {
	switch c.Driver {
	case DriverMySQL, DriverPostgres:
		if c.Host == "" {
			return fmt.Errorf("host is required for driver %s", c.Driver)
		}
		if c.Port < 1 || c.Port > 65535 {
			return fmt.Errorf("port %d out of range", c.Port)
		}
	case DriverSQLite:
		if c.Statement == "" {
			return fmt.Errorf("driver %s has no stored procedures, a statement is required", c.Driver)
		}
	default:
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}

	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Iterations < 1 {
		return fmt.Errorf("iterations must be at least 1, got %d", c.Iterations)
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay must not be negative, got %s", c.Delay)
	}
	if c.ExpectedRowsPerBatch < 0 {
		return fmt.Errorf("rows per batch must not be negative, got %d", c.ExpectedRowsPerBatch)
	}
	if c.Statement == "" && !procedureName.MatchString(c.Procedure) {
		return fmt.Errorf("invalid procedure name %q", c.Procedure)
	}
	return nil
}

// CallStatement is the SQL sent once per batch.
func (c *Config) CallStatement() string {
	if c.Statement != "" {
		return c.Statement
	}
	return fmt.Sprintf("CALL %s()", c.Procedure)
}

func (c *Config) DSN() (string, error) {
	addr := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))

	switch c.Driver {
	case DriverMySQL:
		mc := mysql.NewConfig()
		mc.User = c.User
		mc.Passwd = c.Password
		mc.Net = "tcp"
		mc.Addr = addr
		mc.DBName = c.Database
		mc.ParseTime = true
		return mc.FormatDSN(), nil

	case DriverPostgres:
		u := url.URL{
			Scheme: "postgres",
			Host:   addr,
			Path:   "/" + c.Database,
		}
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
		q := url.Values{}
		q.Set("sslmode", c.SSLMode)
		u.RawQuery = q.Encode()
		return u.String(), nil

	case DriverSQLite:
		return fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", c.Database), nil
	}

	return "", fmt.Errorf("unsupported driver %q", c.Driver)
}

// LogAttrs describes the target without credentials.
func (c *Config) LogAttrs() []any {
	attrs := []any{"driver", c.Driver, "database", c.Database}
	if c.Driver != DriverSQLite {
		attrs = append(attrs, "host", c.Host, "port", c.Port, "user", c.User)
	}
	return append(attrs,
		"statement", c.CallStatement(),
		"iterations", c.Iterations,
		"delay", c.Delay)
}

