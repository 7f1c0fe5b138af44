package sessionstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tyemirov/saasauth/pkg/authclient"
)

// Opened is a storage plus the function releasing its resources.
type Opened struct {
	Storage authclient.SessionStorage
	Driver  string
	Close   func() error
}

// Open selects a backend by URL scheme: memory://, redis://, rediss://,
// sqlite://, or postgres://.
func Open(ctx context.Context, storeURL string, storageKey string) (Opened, error) {
	parsed, err := url.Parse(storeURL)
	if err != nil {
		return Opened{}, fmt.Errorf("session_store.parse_url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory":
		return Opened{Storage: NewMemoryStorage(), Driver: "memory", Close: func() error { return nil }}, nil
	case "redis", "rediss":
		options, parseErr := redis.ParseURL(storeURL)
		if parseErr != nil {
			return Opened{}, fmt.Errorf("session_store.redis.parse_url: %w", parseErr)
		}
		client := redis.NewClient(options)
		pingContext, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if pingErr := client.Ping(pingContext).Err(); pingErr != nil {
			_ = client.Close()
			return Opened{}, fmt.Errorf("session_store.redis.ping: %w", pingErr)
		}
		storage, storageErr := NewRedisStorage(client, storageKey)
		if storageErr != nil {
			_ = client.Close()
			return Opened{}, storageErr
		}
		return Opened{Storage: storage, Driver: "redis", Close: client.Close}, nil
	default:
		storage, storageErr := NewDatabaseStorage(ctx, storeURL, storageKey)
		if storageErr != nil {
			return Opened{}, storageErr
		}
		return Opened{Storage: storage, Driver: storage.Driver(), Close: storage.Close}, nil
	}
}
