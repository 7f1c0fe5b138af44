package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tyemirov/saasauth/pkg/authclient"
)

const changesSuffix = ":changes"

// RedisStorage keeps the session under one key and announces every write on
// a pub/sub channel so other processes see sign-ins and sign-outs. Delivery is
// asynchronous, so each announcement names the storage instance that wrote it
// and Watch skips its own.
type RedisStorage struct {
	client     *redis.Client
	storageKey string
	channel    string
	origin     string
}

type changeAnnouncement struct {
	Origin  string              `json:"origin"`
	Session *authclient.Session `json:"session"`
}

// NewRedisStorage constructs a storage on an existing client.
func NewRedisStorage(client *redis.Client, storageKey string) (*RedisStorage, error) {
	if client == nil {
		return nil, errors.New("session_store.redis.nil_client")
	}
	if storageKey == "" {
		return nil, fmt.Errorf("session_store.redis: %w", ErrEmptyStorageKey)
	}
	return &RedisStorage{
		client:     client,
		storageKey: storageKey,
		channel:    storageKey + changesSuffix,
		origin:     uuid.NewString(),
	}, nil
}

// Load returns the stored session or nil.
func (storage *RedisStorage) Load(ctx context.Context) (*authclient.Session, error) {
	payload, err := storage.client.Get(ctx, storage.storageKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session_store.redis.load: %w", err)
	}
	var session authclient.Session
	if decodeErr := json.Unmarshal([]byte(payload), &session); decodeErr != nil {
		return nil, fmt.Errorf("session_store.redis.load: %w", decodeErr)
	}
	return &session, nil
}

// Save writes the session and publishes the change; nil deletes it.
func (storage *RedisStorage) Save(ctx context.Context, session *authclient.Session) error {
	announcement, encodeErr := json.Marshal(changeAnnouncement{Origin: storage.origin, Session: session})
	if encodeErr != nil {
		return fmt.Errorf("session_store.redis.save: %w", encodeErr)
	}
	var payload []byte
	if session != nil {
		payload, encodeErr = json.Marshal(session)
		if encodeErr != nil {
			return fmt.Errorf("session_store.redis.save: %w", encodeErr)
		}
	}
	_, err := storage.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if session == nil {
			pipe.Del(ctx, storage.storageKey)
		} else {
			pipe.Set(ctx, storage.storageKey, payload, 0)
		}
		pipe.Publish(ctx, storage.channel, announcement)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session_store.redis.save: %w", err)
	}
	return nil
}

// Watch subscribes to change announcements until stop is called or ctx ends.
func (storage *RedisStorage) Watch(ctx context.Context, handler func(*authclient.Session)) (func(), error) {
	pubsub := storage.client.Subscribe(ctx, storage.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("session_store.redis.watch: %w", err)
	}
	messages := pubsub.Channel()
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for message := range messages {
			var announcement changeAnnouncement
			if json.Unmarshal([]byte(message.Payload), &announcement) != nil {
				continue
			}
			if announcement.Origin == storage.origin {
				continue
			}
			handler(announcement.Session)
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = pubsub.Close()
			<-finished
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-finished:
		}
	}()
	return stop, nil
}
