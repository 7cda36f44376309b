package service

import (
	"context"

	"candy-panel/internal/fleeterr"
	"candy-panel/internal/model"
)

// clientCache is the read side of the registry used for lookups.
type clientCache interface {
	CachedClients(ctx context.Context) ([]ServerClients, error)
}

// Resolver finds which server owns a client using only cached client lists, so
// the public lookup never triggers agent traffic.
type Resolver struct {
	cache clientCache
}

func NewResolver(cache clientCache) *Resolver {
	return &Resolver{cache: cache}
}

// Match is a resolved client together with its owning server.
type Match struct {
	Server model.Server
	Client model.Client
}

// ResolveClient returns the unique (server, client) whose name and public key
// both match exactly. More than one owning server is reported as ambiguous.
func (r *Resolver) ResolveClient(ctx context.Context, name, publicKey string) (*Match, error) {
	const op = "resolve client"
	if name == "" || publicKey == "" {
		return nil, fleeterr.Validation(op, "name and public key are required")
	}

	roster, err := r.cache.CachedClients(ctx)
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, entry := range roster {
		for _, c := range entry.Clients {
			if c.Name == name && c.PublicKey == publicKey {
				matches = append(matches, Match{Server: entry.Server, Client: c})
				break
			}
		}
	}

	switch len(matches) {
	case 0:
		return nil, fleeterr.NotFound(op, "client %s not found", name)
	case 1:
		m := matches[0]
		m.Server.APIKey = ""
		m.Server.DashboardCache = nil
		m.Client = m.Client.Redacted()
		return &m, nil
	default:
		ids := make([]uint, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, m.Server.ID)
		}
		return nil, fleeterr.Ambiguous(op, "client %s is present on servers %v", name, ids)
	}
}
