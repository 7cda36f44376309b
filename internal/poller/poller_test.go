package poller

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"candy-panel/internal/credential"
	"candy-panel/internal/database"
	"candy-panel/internal/model"
	"candy-panel/internal/service"
	"candy-panel/internal/transport"

	"github.com/goccy/go-json"
	"go.uber.org/atomic"
)

func newTestRegistry(t *testing.T) (*service.ServerRegistry, *credential.Store) {
	t.Helper()
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "poller.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })
	creds := credential.NewStore()
	return service.NewServerRegistry(db, creds), creds
}

func register(t *testing.T, r *service.ServerRegistry, name, url string) uint {
	t.Helper()
	host, portStr, _ := net.SplitHostPort(strings.TrimPrefix(url, "http://"))
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	s, err := r.Register(context.Background(), service.RegisterRequest{Name: name, IPAddress: host, AgentPort: port, APIKey: "key-" + name})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return s.ID
}

func agentServer(t *testing.T, clients int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var data any
		switch r.URL.Path {
		case transport.PathDashboard:
			data = map[string]any{"cpu": "10%", "clients_count": clients, "status": "1", "net": map[string]any{"download": "1 KB/s", "upload": "1 KB/s"}}
		case transport.PathClients:
			data = []map[string]any{{"name": "alice", "public_key": "PK"}}
		case transport.PathInterfaces:
			data = []map[string]any{{"wg": 0, "address_range": "10.0.0.1/24", "port": 51820}}
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := json.Marshal(map[string]any{"success": true, "message": "ok", "data": data})
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRefreshRosterRecordsEachOutcome(t *testing.T) {
	reg, creds := newTestRegistry(t)
	ctx := context.Background()

	up := agentServer(t, 4)
	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	a := register(t, reg, "a", up.URL)
	b := register(t, reg, "b", downURL)

	p := New(reg, transport.NewPool(creds, time.Second, time.Second), Options{})
	defer p.Stop()
	if err := p.RefreshRoster(ctx); err != nil {
		t.Fatalf("RefreshRoster: %v", err)
	}

	sa, _ := reg.Get(ctx, a)
	sb, _ := reg.Get(ctx, b)
	if sa.Status != model.ServerStatusActive || sa.LastSynced == nil {
		t.Fatalf("expected a active with last_synced, got %+v", sa)
	}
	if sb.Status != model.ServerStatusUnreachable {
		t.Fatalf("expected b unreachable, got %s", sb.Status)
	}
	if snap, ok := reg.Snapshot(a); !ok || snap.ClientsCount != 4 {
		t.Fatalf("expected cached snapshot for a, got %+v", snap)
	}
	if clients, ok := reg.Clients(a); !ok || len(clients) != 1 {
		t.Fatalf("roster refresh should cache clients, got %+v", clients)
	}
	if _, ok := reg.Interfaces(a); ok {
		t.Fatalf("roster refresh should not fetch interfaces")
	}
	if _, ok := reg.Snapshot(b); ok {
		t.Fatalf("unreachable server must not get a snapshot")
	}
	if st := p.Stats(); st.Polls != 2 || st.Failures != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestFocusFetchesInterfaces(t *testing.T) {
	reg, creds := newTestRegistry(t)
	id := register(t, reg, "a", agentServer(t, 1).URL)

	p := New(reg, transport.NewPool(creds, time.Second, time.Second), Options{FocusInterval: time.Hour})
	defer p.Stop()
	p.Focus("view-1", id)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ifaces, ok := reg.Interfaces(id); ok && len(ifaces) == 1 {
			if got, _ := p.Focused("view-1"); got != id {
				t.Fatalf("expected view focused on %d, got %d", id, got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("focused loop never cached interfaces")
}

// blockingDialer hands out agents that block until their context ends.
type blockingDialer struct {
	mu       sync.Mutex
	started  chan uint
	canceled map[uint]int
}

func newBlockingDialer() *blockingDialer {
	return &blockingDialer{started: make(chan uint, 64), canceled: make(map[uint]int)}
}

func (d *blockingDialer) Agent(serverID uint) (transport.Agent, error) {
	return &blockingAgent{id: serverID, d: d}, nil
}

func (d *blockingDialer) canceledCount(id uint) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.canceled[id]
}

type blockingAgent struct {
	id uint
	d  *blockingDialer
}

func (a *blockingAgent) FetchSnapshot(ctx context.Context) (*model.DashboardSnapshot, error) {
	select {
	case a.d.started <- a.id:
	case <-ctx.Done():
	}
	<-ctx.Done()
	a.d.mu.Lock()
	a.d.canceled[a.id]++
	a.d.mu.Unlock()
	return nil, ctx.Err()
}

func (a *blockingAgent) FetchClients(ctx context.Context) ([]model.Client, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (a *blockingAgent) FetchInterfaces(ctx context.Context) ([]model.Interface, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (a *blockingAgent) SendCommand(ctx context.Context, resource, action string, payload map[string]any) (*transport.Result, error) {
	return nil, nil
}

func waitStarted(t *testing.T, d *blockingDialer, want uint) {
	t.Helper()
	select {
	case got := <-d.started:
		if got != want {
			t.Fatalf("expected poll for %d, got %d", want, got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("poll for %d never started", want)
	}
}

func waitCanceled(t *testing.T, d *blockingDialer, id uint, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if d.canceledCount(id) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d cancellations for %d, got %d", want, id, d.canceledCount(id))
}

func TestCloseViewCancelsOnlyThatView(t *testing.T) {
	reg, _ := newTestRegistry(t)
	a := register(t, reg, "a", "http://10.0.0.1:1212")
	b := register(t, reg, "b", "http://10.0.0.2:1212")

	d := newBlockingDialer()
	p := New(reg, d, Options{FocusInterval: time.Hour})
	defer p.Stop()

	p.Focus("view-a", a)
	waitStarted(t, d, a)
	p.Focus("view-b", b)
	waitStarted(t, d, b)

	p.CloseView("view-a")
	waitCanceled(t, d, a, 1)

	time.Sleep(20 * time.Millisecond)
	if d.canceledCount(b) != 0 {
		t.Fatalf("closing view-a must not cancel view-b")
	}
	if _, ok := p.Focused("view-b"); !ok {
		t.Fatalf("view-b should still be focused")
	}
	server, _ := reg.Get(context.Background(), a)
	if server.Status != model.ServerStatusInactive {
		t.Fatalf("cancelled poll must not change status, got %s", server.Status)
	}
	if p.Stats().ActiveViews != 1 {
		t.Fatalf("expected one active view, got %+v", p.Stats())
	}
}

func TestFocusChangeCancelsPreviousServer(t *testing.T) {
	reg, _ := newTestRegistry(t)
	a := register(t, reg, "a", "http://10.0.0.1:1212")
	b := register(t, reg, "b", "http://10.0.0.2:1212")

	d := newBlockingDialer()
	p := New(reg, d, Options{FocusInterval: time.Hour})
	defer p.Stop()

	p.Focus("view", a)
	waitStarted(t, d, a)
	p.Focus("view", b)
	waitStarted(t, d, b)
	waitCanceled(t, d, a, 1)

	if got, _ := p.Focused("view"); got != b {
		t.Fatalf("expected view on %d, got %d", b, got)
	}
}

func TestServerDeletedCancelsPollsAndViews(t *testing.T) {
	reg, _ := newTestRegistry(t)
	a := register(t, reg, "a", "http://10.0.0.1:1212")

	d := newBlockingDialer()
	p := New(reg, d, Options{FocusInterval: time.Hour})
	defer p.Stop()
	reg.OnDelete(p.ServerDeleted)

	p.Focus("view", a)
	waitStarted(t, d, a)

	if err := reg.Delete(context.Background(), a); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	waitCanceled(t, d, a, 1)
	if _, ok := p.Focused("view"); ok {
		t.Fatalf("view on a deleted server must be dropped")
	}
}

func TestTriggerRosterDoesNotBlock(t *testing.T) {
	reg, creds := newTestRegistry(t)
	p := New(reg, transport.NewPool(creds, time.Second, time.Second), Options{})
	defer p.Stop()
	for i := 0; i < 5; i++ {
		p.TriggerRoster()
	}
}

func TestCheckRecordsStatus(t *testing.T) {
	reg, creds := newTestRegistry(t)
	ctx := context.Background()
	id := register(t, reg, "a", agentServer(t, 2).URL)

	p := New(reg, transport.NewPool(creds, time.Second, time.Second), Options{})
	defer p.Stop()
	if err := p.Check(ctx, id); err != nil {
		t.Fatalf("Check: %v", err)
	}
	server, _ := reg.Get(ctx, id)
	if server.Status != model.ServerStatusActive {
		t.Fatalf("expected active after check, got %s", server.Status)
	}
	if _, ok := reg.Clients(id); ok {
		t.Fatalf("check should only fetch the snapshot")
	}
	if err := p.Check(ctx, 999); err == nil {
		t.Fatalf("expected error for unknown server")
	}
}

func TestSlowTickDoesNotBlockNextTick(t *testing.T) {
	reg, _ := newTestRegistry(t)
	a := register(t, reg, "a", "http://10.0.0.1:1212")

	d := newBlockingDialer()
	p := New(reg, d, Options{FocusInterval: 20 * time.Millisecond})
	defer p.Stop()

	p.Focus("view", a)
	for i := 0; i < 3; i++ {
		waitStarted(t, d, a)
	}
	if n := d.canceledCount(a); n != 0 {
		t.Fatalf("earlier ticks should still be blocked, %d were cancelled", n)
	}
	if st := p.Stats(); st.Rounds < 3 {
		t.Fatalf("expected at least 3 rounds, got %+v", st)
	}
}

func TestFailedPollLeavesOtherServerCache(t *testing.T) {
	reg, creds := newTestRegistry(t)
	ctx := context.Background()

	a := register(t, reg, "a", agentServer(t, 4).URL)
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	t.Cleanup(broken.Close)
	b := register(t, reg, "b", broken.URL)

	p := New(reg, transport.NewPool(creds, time.Second, time.Second), Options{})
	defer p.Stop()
	if err := p.RefreshRoster(ctx); err != nil {
		t.Fatalf("RefreshRoster: %v", err)
	}
	before, _ := reg.Get(ctx, a)
	snap, ok := reg.Snapshot(a)
	if !ok || before.Status != model.ServerStatusActive {
		t.Fatalf("expected a cached and active, got %+v", before)
	}
	clients, _ := reg.Clients(a)

	for i := 0; i < 3; i++ {
		if err := p.Check(ctx, b); err != nil {
			t.Fatalf("Check b: %v", err)
		}
	}

	sb, _ := reg.Get(ctx, b)
	if sb.Status != model.ServerStatusError {
		t.Fatalf("expected b error, got %s", sb.Status)
	}
	after, _ := reg.Get(ctx, a)
	if after.Status != model.ServerStatusActive || !after.LastSynced.Equal(*before.LastSynced) {
		t.Fatalf("a changed after b failed: before %+v after %+v", before, after)
	}
	snapAfter, ok := reg.Snapshot(a)
	if !ok || snapAfter.ClientsCount != snap.ClientsCount || snapAfter.CPU != snap.CPU {
		t.Fatalf("a snapshot changed: %+v -> %+v", snap, snapAfter)
	}
	if got, _ := reg.Clients(a); len(got) != len(clients) {
		t.Fatalf("a clients changed: %+v -> %+v", clients, got)
	}
}

// countingDialer reports the poll number as the client count.
type countingDialer struct {
	n atomic.Int64
}

func (d *countingDialer) Agent(serverID uint) (transport.Agent, error) {
	return &countingAgent{d: d}, nil
}

type countingAgent struct {
	d *countingDialer
}

func (a *countingAgent) FetchSnapshot(ctx context.Context) (*model.DashboardSnapshot, error) {
	return &model.DashboardSnapshot{ClientsCount: model.FlexInt(a.d.n.Inc())}, nil
}

func (a *countingAgent) FetchClients(ctx context.Context) ([]model.Client, error) {
	return nil, nil
}

func (a *countingAgent) FetchInterfaces(ctx context.Context) ([]model.Interface, error) {
	return nil, nil
}

func (a *countingAgent) SendCommand(ctx context.Context, resource, action string, payload map[string]any) (*transport.Result, error) {
	return nil, nil
}

func TestOlderPollDoesNotOverwriteNewer(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	a := register(t, reg, "a", "http://10.0.0.1:1212")

	p := New(reg, &countingDialer{}, Options{})
	defer p.Stop()

	older := p.poll(ctx, a, fetchSet{})
	newer := p.poll(ctx, a, fetchSet{})
	p.apply(ctx, newer)
	p.apply(ctx, older)

	snap, ok := reg.Snapshot(a)
	if !ok || snap.ClientsCount != 2 {
		t.Fatalf("expected the newer snapshot to stay, got %+v", snap)
	}
	if st := p.Stats(); st.Stale != 1 {
		t.Fatalf("expected one stale result, got %+v", st)
	}
}

type panickingDialer struct{}

func (panickingDialer) Agent(serverID uint) (transport.Agent, error) {
	panic("dialer exploded")
}

func TestPanickingPollDoesNotStallRound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	a := register(t, reg, "a", "http://10.0.0.1:1212")

	p := New(reg, panickingDialer{}, Options{})
	defer p.Stop()

	done := make(chan struct{})
	go func() {
		p.round(ctx, []uint{a}, rosterFetch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("round never finished after a poll panicked")
	}
	server, _ := reg.Get(ctx, a)
	if server.Status != model.ServerStatusInactive {
		t.Fatalf("a panicked poll must not change status, got %s", server.Status)
	}
}
