// Package credential holds the address and private API key of every registered
// server. Keys go in through Put and only leave as an opaque Credential that the
// transport can attach to a request.
package credential

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"candy-panel/internal/security"
)

// Credential is what the transport needs to reach one agent.
type Credential struct {
	ServerID uint
	BaseURL  string
	apiKey   string
}

// APIKey returns the secret; only transports call it when building a request.
func (c Credential) APIKey() string { return c.apiKey }

// Fingerprint is safe to log.
func (c Credential) Fingerprint() string { return security.Fingerprint(c.apiKey) }

// String redacts the key so a Credential can be logged or printed with %v.
func (c Credential) String() string {
	return fmt.Sprintf("server=%d url=%s key=%s", c.ServerID, c.BaseURL, c.Fingerprint())
}

func (c Credential) GoString() string { return c.String() }

type Store struct {
	mu    sync.RWMutex
	creds map[uint]Credential
}

func NewStore() *Store {
	return &Store{creds: make(map[uint]Credential)}
}

// BaseURL builds the agent root URL from an address and port.
func BaseURL(ip string, port int) string {
	return "http://" + net.JoinHostPort(ip, strconv.Itoa(port))
}

// Put stores or replaces the credential of a server. An empty apiKey keeps the existing key.
func (s *Store) Put(serverID uint, ip string, port int, apiKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if apiKey == "" {
		apiKey = s.creds[serverID].apiKey
	}
	s.creds[serverID] = Credential{ServerID: serverID, BaseURL: BaseURL(ip, port), apiKey: apiKey}
}

func (s *Store) Get(serverID uint) (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[serverID]
	return c, ok
}

func (s *Store) Delete(serverID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, serverID)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.creds)
}
