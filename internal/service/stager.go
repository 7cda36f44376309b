package service

import (
	"context"
	"fmt"
	"sync"

	"candy-panel/internal/transport"
	"candy-panel/logger"
)

type commandRouter interface {
	Route(ctx context.Context, cmd Command) (*transport.Result, error)
}

// CommitReport describes the outcome of one commit.
type CommitReport struct {
	Applied []string `json:"applied"`
	Failed  string   `json:"failed,omitempty"`
	Pending []string `json:"pending,omitempty"`
	Synced  bool     `json:"synced"`
}

// SettingsStager buffers setting edits until Commit. Commit is not atomic
// across keys: keys applied before a failure stay applied.
type SettingsStager struct {
	router commandRouter

	mu        sync.Mutex
	committed map[string]string
	staged    map[string]string
	order     []string
}

func NewSettingsStager(router commandRouter, committed map[string]string) *SettingsStager {
	s := &SettingsStager{router: router}
	s.Reset(committed)
	return s
}

// Reset replaces the committed baseline and drops staged edits.
func (s *SettingsStager) Reset(committed map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = make(map[string]string, len(committed))
	for k, v := range committed {
		s.committed[k] = v
	}
	s.staged = make(map[string]string)
	s.order = nil
}

// Stage buffers an edit. It has no side effects outside the stager.
func (s *SettingsStager) Stage(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.staged[key]; !ok {
		s.order = append(s.order, key)
	}
	s.staged[key] = value
}

// Staged returns the buffered edits.
func (s *SettingsStager) Staged() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.staged))
	for k, v := range s.staged {
		out[k] = v
	}
	return out
}

// Committed returns the last known committed values.
func (s *SettingsStager) Committed() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.committed))
	for k, v := range s.committed {
		out[k] = v
	}
	return out
}

// Commit sends one setting update per changed key in staging order, then a
// sync trigger to focusedServer (0 for none). The first failing key stops
// the commit; it and the keys after it stay staged and no sync is sent.
func (s *SettingsStager) Commit(ctx context.Context, focusedServer uint) (*CommitReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &CommitReport{Applied: []string{}}
	var changed []string
	for _, key := range s.order {
		if prev, ok := s.committed[key]; ok && prev == s.staged[key] {
			continue
		}
		changed = append(changed, key)
	}

	for i, key := range changed {
		value := s.staged[key]
		_, err := s.router.Route(ctx, Command{
			Resource: ResourceSetting,
			Action:   "update",
			Payload:  map[string]any{"key": key, "value": value},
		})
		if err != nil {
			report.Failed = key
			report.Pending = append([]string{}, changed[i:]...)
			s.dropStaged(report.Applied)
			logger.Warningf("settings commit stopped at %s: %v", key, err)
			return report, fmt.Errorf("commit setting %s: %w", key, err)
		}
		s.committed[key] = value
		report.Applied = append(report.Applied, key)
	}
	s.staged = make(map[string]string)
	s.order = nil

	if focusedServer == 0 || len(changed) == 0 {
		return report, nil
	}
	if _, err := s.router.Route(ctx, Command{Resource: ResourceSync, Action: "trigger", ServerID: focusedServer}); err != nil {
		return report, fmt.Errorf("sync server %d: %w", focusedServer, err)
	}
	report.Synced = true
	return report, nil
}

func (s *SettingsStager) dropStaged(keys []string) {
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[k] = true
		delete(s.staged, k)
	}
	order := s.order[:0]
	for _, k := range s.order {
		if !drop[k] {
			order = append(order, k)
		}
	}
	s.order = order
}
