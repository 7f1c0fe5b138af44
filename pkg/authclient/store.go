package authclient

import "sync"

// CredentialStore holds the current session. It is the single source of
// truth every other component reads through.
type CredentialStore struct {
	mutex   sync.RWMutex
	session *Session
}

// NewCredentialStore constructs an empty store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{}
}

// Get returns a copy of the current session or nil.
func (store *CredentialStore) Get() *Session {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.session.Clone()
}

// Set replaces the session; nil clears it.
func (store *CredentialStore) Set(session *Session) {
	clone := session.Clone()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.session = clone
}

// AccessToken returns the current access token or "".
func (store *CredentialStore) AccessToken() string {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	if store.session == nil {
		return ""
	}
	return store.session.AccessToken
}
