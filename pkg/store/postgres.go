package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Testable variables for NewPostgresPool
var (
	pgxPoolNewWithConfig   = pgxpool.NewWithConfig
	postgresConnectRetries = 30
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
	postgresSleep          = time.Sleep
)

// postgresEnv holds the pieces of the connection URL that can be set
// individually when DATABASE_URL is absent.
type postgresEnv struct {
	user     string
	password string
	host     string
	port     string
	name     string
	sslmode  string
}

func postgresEnvFromEnv() postgresEnv {
	cfg := postgresEnv{
		user:     strings.TrimSpace(os.Getenv("DATABASE_USER")),
		password: os.Getenv("POSTGRES_PASSWORD"),
		host:     strings.TrimSpace(os.Getenv("DATABASE_HOST")),
		port:     strings.TrimSpace(os.Getenv("DATABASE_PORT")),
		name:     strings.TrimSpace(os.Getenv("DATABASE_NAME")),
		sslmode:  strings.TrimSpace(os.Getenv("DATABASE_SSLMODE")),
	}
	if cfg.user == "" {
		cfg.user = "ladder"
	}
	if cfg.host == "" {
		cfg.host = "localhost"
	}
	if _, err := strconv.Atoi(cfg.port); err != nil {
		cfg.port = "5432"
	}
	if cfg.name == "" {
		cfg.name = "ladder"
	}
	if cfg.sslmode == "" {
		cfg.sslmode = "disable"
	}
	return cfg
}

func (c postgresEnv) dsn() string {
	uri := &url.URL{
		Scheme: "postgres",
		Host:   c.host + ":" + c.port,
		Path:   "/" + c.name,
	}
	if c.password != "" {
		uri.User = url.UserPassword(c.user, c.password)
	} else {
		uri.User = url.User(c.user)
	}
	q := uri.Query()
	q.Set("sslmode", c.sslmode)
	uri.RawQuery = q.Encode()
	return uri.String()
}

// NewPostgresPool connects using DATABASE_URL, falling back to the
// individual DATABASE_* variables. The retry loop covers the window where
// the database container is still starting.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = postgresEnvFromEnv().dsn()
	}
	if envFlag("DATABASE_REQUIRE_TLS") {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	var lastErr error
	for i := 0; i < postgresConnectRetries; i++ {
		pool, err := connectAndPing(ctx, cfg)
		if err == nil {
			return pool, nil
		}
		lastErr = err
		postgresSleep(postgresRetryDelay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func connectAndPing(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxPoolNewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}
