package transport

import (
	"net/http"
	"time"

	"candy-panel/internal/credential"
	"candy-panel/internal/fleeterr"
	"candy-panel/internal/model"
)

// Dialer hands out an Agent for a registered server.
type Dialer interface {
	Agent(serverID uint) (Agent, error)
}

// Pool builds per-server clients from the credential store. All clients share
// one http.Client so connections to an agent are reused across polls.
type Pool struct {
	store          *credential.Store
	http           *http.Client
	pollTimeout    time.Duration
	commandTimeout time.Duration
}

func NewPool(store *credential.Store, pollTimeout, commandTimeout time.Duration) *Pool {
	return &Pool{
		store:          store,
		http:           defaultHTTPClient(),
		pollTimeout:    pollTimeout,
		commandTimeout: commandTimeout,
	}
}

func (p *Pool) Agent(serverID uint) (Agent, error) {
	cred, ok := p.store.Get(serverID)
	if !ok {
		return nil, fleeterr.NotFound("dial agent", "no credential for server %d", serverID)
	}
	return NewClient(cred, p.http, p.pollTimeout, p.commandTimeout), nil
}

// StatusFor maps a transport outcome to the server status it implies.
// It returns false when the outcome must not change the status (cancelled view).
func StatusFor(err error) (model.ServerStatus, bool) {
	switch fleeterr.KindOf(err) {
	case "":
		return model.ServerStatusActive, true
	case fleeterr.KindUnreachable:
		return model.ServerStatusUnreachable, true
	case fleeterr.KindAgent, fleeterr.KindProtocol:
		return model.ServerStatusError, true
	}
	return "", false
}
