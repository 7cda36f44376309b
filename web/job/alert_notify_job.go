package job

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"candy-panel/internal/model"
	"candy-panel/internal/service"
	"candy-panel/logger"
)

type serverLister interface {
	List(ctx context.Context) ([]model.Server, error)
}

type alertSender interface {
	Notify(ctx context.Context, text string) error
}

// AlertNotifyJob sends fleet alerts that appeared since the previous run.
type AlertNotifyJob struct {
	servers serverLister
	sender  alertSender

	mu   sync.Mutex
	seen map[string]bool
}

func NewAlertNotifyJob(servers serverLister, sender alertSender) *AlertNotifyJob {
	return &AlertNotifyJob{servers: servers, sender: sender, seen: make(map[string]bool)}
}

func (j *AlertNotifyJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	servers, err := j.servers.List(ctx)
	if err != nil {
		logger.Warning("alert job: list servers failed:", err)
		return
	}
	current := service.Aggregate(servers).Alert

	j.mu.Lock()
	defer j.mu.Unlock()
	fresh := make([]string, 0)
	next := make(map[string]bool, len(current))
	for _, a := range current {
		next[a] = true
		if !j.seen[a] {
			fresh = append(fresh, a)
		}
	}
	if len(fresh) == 0 {
		j.seen = next
		return
	}
	sort.Strings(fresh)

	text := "⚠️ CandyPanel alerts:\n- " + strings.Join(fresh, "\n- ")
	if err := j.sender.Notify(ctx, text); err != nil {
		// keep the old set so these alerts are retried next run
		logger.Warning("alert job: notify failed:", err)
		return
	}
	j.seen = next
}
