package agent

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	agentconfig "candy-panel/internal/agent/config"
	"candy-panel/internal/credential"
	"candy-panel/internal/fleeterr"
	"candy-panel/internal/transport"

	"github.com/goccy/go-json"
)

type fakeSampler struct{ sample HostSample }

func (f fakeSampler) Sample(ctx context.Context) (HostSample, error) { return f.sample, nil }

// newTestAgent serves a reference agent and returns a panel transport client for it.
func newTestAgent(t *testing.T, apiKey string) (*Agent, transport.Agent) {
	t.Helper()
	cfg := &agentconfig.Config{APIKey: "agent-key", ServerIP: "203.0.113.7"}
	cfg.ApplyDefaults()
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.sampler = fakeSampler{HostSample{CPUPercent: 12.5, MemTotal: 2 * gb, MemAvailable: gb, MemPercent: 50, Uptime: 3600}}

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	host, portStr, _ := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	store := credential.NewStore()
	store.Put(1, host, port, apiKey)
	client, err := transport.NewPool(store, time.Second, time.Second).Agent(1)
	if err != nil {
		t.Fatalf("pool.Agent: %v", err)
	}
	return a, client
}

func TestDashboardOverPanelTransport(t *testing.T) {
	_, client := newTestAgent(t, "agent-key")

	snap, err := client.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	if snap.CPU != "12.5%" || snap.Mem.Total != "2.00 GB" || snap.Uptime != "3600" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Net.Download != "0.00 KB/s" {
		t.Fatalf("first sample has no rate, got %s", snap.Net.Download)
	}
}

func TestWrongKeyIsAgentError(t *testing.T) {
	_, client := newTestAgent(t, "wrong")

	_, err := client.FetchClients(context.Background())
	if !fleeterr.Is(err, fleeterr.KindAgent) {
		t.Fatalf("expected agent error, got %v", err)
	}
	if msg := fleeterr.Message(err); !strings.Contains(msg, "Unauthorized") {
		t.Fatalf("expected detail message, got %q", msg)
	}
}

func TestClientCommandsOverPanelTransport(t *testing.T) {
	a, client := newTestAgent(t, "agent-key")
	ctx := context.Background()

	res, err := client.SendCommand(ctx, "client", "create", map[string]any{"name": "alice", "traffic": 1073741824, "expires": "2099-01-01T00:00:00"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var created CreatedClient
	if err := json.Unmarshal(res.Data, &created); err != nil {
		t.Fatalf("decode created client: %v", err)
	}
	if created.Address != "10.0.0.2" || created.ClientConfig == "" {
		t.Fatalf("unexpected create result %+v", created)
	}

	clients, err := client.FetchClients(ctx)
	if err != nil {
		t.Fatalf("FetchClients: %v", err)
	}
	if len(clients) != 1 || clients[0].PublicKey != created.PublicKey || clients[0].Traffic != "1073741824" {
		t.Fatalf("unexpected clients %+v", clients)
	}

	res, err = client.SendCommand(ctx, "client", "get_config", map[string]any{"name": "alice"})
	if err != nil {
		t.Fatalf("get_config: %v", err)
	}
	var cfg struct {
		Config string `json:"config"`
	}
	_ = json.Unmarshal(res.Data, &cfg)
	if !strings.Contains(cfg.Config, "Address = 10.0.0.2/32") {
		t.Fatalf("unexpected config %q", cfg.Config)
	}

	if _, err := client.SendCommand(ctx, "client", "update", map[string]any{"name": "alice", "status": "0"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if c, _ := a.Store().Client("alice"); bool(c.Status) {
		t.Fatalf("status update not applied")
	}

	_, err = client.SendCommand(ctx, "client", "delete", map[string]any{"name": "ghost"})
	if !fleeterr.Is(err, fleeterr.KindAgent) {
		t.Fatalf("expected agent error for unknown client, got %v", err)
	}
	var fe *fleeterr.Error
	if !errors.As(err, &fe) || fe.Status != http.StatusNotFound {
		t.Fatalf("expected 404 status, got %v", err)
	}
}

func TestInterfaceAndSyncCommands(t *testing.T) {
	a, client := newTestAgent(t, "agent-key")
	ctx := context.Background()

	if _, err := client.SendCommand(ctx, "interface", "create", map[string]any{"address_range": "10.9.0.1/24"}); err == nil {
		t.Fatalf("interface create without port must fail")
	}
	if _, err := client.SendCommand(ctx, "interface", "create", map[string]any{"address_range": "10.9.0.1/24", "port": "51900"}); err != nil {
		t.Fatalf("interface create: %v", err)
	}
	ifaces, err := client.FetchInterfaces(ctx)
	if err != nil || len(ifaces) != 2 {
		t.Fatalf("expected two interfaces, got %+v (%v)", ifaces, err)
	}

	_, _ = a.Store().CreateClient(ClientInput{Name: "old", Expires: strPtr("2000-01-01")})
	res, err := client.SendCommand(ctx, "sync", "trigger", nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	var report SyncReport
	if err := json.Unmarshal(res.Data, &report); err != nil || len(report.Expired) != 1 {
		t.Fatalf("unexpected sync report %s (%v)", res.Data, err)
	}

	if _, err := client.SendCommand(ctx, "setting", "update", nil); !fleeterr.Is(err, fleeterr.KindAgent) {
		t.Fatalf("unknown command should be rejected by the agent, got %v", err)
	}
}
