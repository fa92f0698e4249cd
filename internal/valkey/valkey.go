package valkey

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect parses the Valkey URL, connects, and pings to verify the connection. go-redis only
// recognizes the redis:// and rediss:// (TLS) schemes, so valkey:// and valkeys:// are rewritten
// to their go-redis equivalents before parsing. The dialTimeout parameter controls how long the
// client waits when establishing new connections.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration) (*redis.Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse valkey URL: %w", err)
	}
	switch {
	case strings.EqualFold(parsed.Scheme, "valkey"):
		parsed.Scheme = "redis"
	case strings.EqualFold(parsed.Scheme, "valkeys"):
		parsed.Scheme = "rediss"
	}

	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, fmt.Errorf("parse valkey URL: %w", err)
	}
	opts.DialTimeout = dialTimeout

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping valkey: %w", err)
	}

	return client, nil
}
