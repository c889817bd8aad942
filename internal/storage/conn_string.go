package storage

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/clouvelai/kalshibook-sub001/internal/config"
)

// BuildConnString renders the Postgres DSN for pgxpool. Pool sizing travels
// in the DSN (pool_min_conns / pool_max_conns) so the one string carries
// the whole connection shape.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	if cfg.MinConns > 0 {
		q.Set("pool_min_conns", strconv.Itoa(cfg.MinConns))
	}
	if cfg.MaxConns > 0 {
		q.Set("pool_max_conns", strconv.Itoa(cfg.MaxConns))
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
