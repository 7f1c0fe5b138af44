// Package sessionstore persists the client session between runs.
package sessionstore

import (
	"context"
	"sync"

	"github.com/tyemirov/saasauth/pkg/authclient"
)

// MemoryStorage keeps the session in process memory. Clients sharing one
// MemoryStorage observe each other's writes through Watch.
type MemoryStorage struct {
	mutex         sync.Mutex
	session       *authclient.Session
	handlers      map[uint64]func(*authclient.Session)
	nextHandlerID uint64
}

// NewMemoryStorage constructs an empty storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{handlers: make(map[uint64]func(*authclient.Session))}
}

// Load returns the stored session or nil.
func (storage *MemoryStorage) Load(ctx context.Context) (*authclient.Session, error) {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	return storage.session.Clone(), nil
}

// Save replaces the stored session and notifies watchers.
func (storage *MemoryStorage) Save(ctx context.Context, session *authclient.Session) error {
	storage.mutex.Lock()
	storage.session = session.Clone()
	handlers := make([]func(*authclient.Session), 0, len(storage.handlers))
	for _, handler := range storage.handlers {
		handlers = append(handlers, handler)
	}
	storage.mutex.Unlock()

	for _, handler := range handlers {
		handler(session.Clone())
	}
	return nil
}

// Watch registers handler until stop is called or ctx ends.
func (storage *MemoryStorage) Watch(ctx context.Context, handler func(*authclient.Session)) (func(), error) {
	storage.mutex.Lock()
	storage.nextHandlerID++
	handlerID := storage.nextHandlerID
	storage.handlers[handlerID] = handler
	storage.mutex.Unlock()

	var once sync.Once
	stopped := make(chan struct{})
	stop := func() {
		once.Do(func() {
			storage.mutex.Lock()
			delete(storage.handlers, handlerID)
			storage.mutex.Unlock()
			close(stopped)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-stopped:
		}
	}()
	return stop, nil
}
