package service

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"candy-panel/internal/fleeterr"
	"candy-panel/internal/model"
	"candy-panel/internal/transport"

	"github.com/goccy/go-json"
)

type countingDialer struct {
	calls int
	agent transport.Agent
}

func (d *countingDialer) Agent(serverID uint) (transport.Agent, error) {
	d.calls++
	if d.agent == nil {
		return nil, fleeterr.NotFound("dial agent", "no credential for server %d", serverID)
	}
	return d.agent, nil
}

type fakeAgent struct {
	commands []transport.CommandRequest
	err      error
}

func (a *fakeAgent) FetchSnapshot(ctx context.Context) (*model.DashboardSnapshot, error) {
	return &model.DashboardSnapshot{}, nil
}

func (a *fakeAgent) FetchClients(ctx context.Context) ([]model.Client, error) { return nil, nil }

func (a *fakeAgent) FetchInterfaces(ctx context.Context) ([]model.Interface, error) { return nil, nil }

func (a *fakeAgent) SendCommand(ctx context.Context, resource, action string, payload map[string]any) (*transport.Result, error) {
	a.commands = append(a.commands, transport.CommandRequest{Resource: resource, Action: action, Payload: payload})
	if a.err != nil {
		return nil, a.err
	}
	return &transport.Result{Success: true, Message: "ok"}, nil
}

func TestRouteUnknownServerNeverDials(t *testing.T) {
	r, _ := newTestRegistry(t)
	dialer := &countingDialer{agent: &fakeAgent{}}
	router := NewCommandRouter(r, dialer, NewSettingService(setupServiceTestDB(t)))

	_, err := router.Route(context.Background(), Command{
		Resource: ResourceClient, Action: "delete", ServerID: 404,
		Payload: map[string]any{"name": "alice"},
	})
	if !fleeterr.Is(err, fleeterr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if dialer.calls != 0 {
		t.Fatalf("router must not reach any transport, got %d dials", dialer.calls)
	}
}

func TestRouteValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := mustRegister(t, r, "a", "10.0.0.1")
	agent := &fakeAgent{}
	router := NewCommandRouter(r, &countingDialer{agent: agent}, NewSettingService(setupServiceTestDB(t)))
	ctx := context.Background()

	bad := []Command{
		{Resource: "peer", Action: "create", ServerID: id},
		{Resource: ResourceClient, Action: "explode", ServerID: id},
		{Resource: ResourceClient, Action: "create", Payload: map[string]any{"name": "x"}},
		{Resource: ResourceClient, Action: "create", ServerID: id},
		{Resource: ResourceClient, Action: "create", ServerID: id, Payload: map[string]any{"name": "x", "traffic": "lots"}},
		{Resource: ResourceInterface, Action: "create", ServerID: id, Payload: map[string]any{"address_range": "10.0.0.0", "port": 51820}},
		{Resource: ResourceInterface, Action: "create", ServerID: id, Payload: map[string]any{"address_range": "10.0.0.0/24"}},
		{Resource: ResourceInterface, Action: "delete", ServerID: id},
	}
	for _, cmd := range bad {
		if _, err := router.Route(ctx, cmd); !fleeterr.Is(err, fleeterr.KindValidation) {
			t.Fatalf("%+v: expected validation error, got %v", cmd, err)
		}
	}
	if len(agent.commands) != 0 {
		t.Fatalf("invalid commands must not be forwarded, got %+v", agent.commands)
	}
}

func TestRouteForwardsAndNotifiesMutation(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := mustRegister(t, r, "a", "10.0.0.1")
	agent := &fakeAgent{}
	router := NewCommandRouter(r, &countingDialer{agent: agent}, NewSettingService(setupServiceTestDB(t)))

	var mutated []uint
	router.OnMutation(func(serverID uint) { mutated = append(mutated, serverID) })
	ctx := context.Background()

	if _, err := router.Route(ctx, Command{Resource: ResourceInterface, Action: "create", ServerID: id,
		Payload: map[string]any{"address_range": "10.10.0.1/24", "port": float64(51820)}}); err != nil {
		t.Fatalf("interface create failed: %v", err)
	}
	if _, err := router.Route(ctx, Command{Resource: ResourceClient, Action: "get_config", ServerID: id,
		Payload: map[string]any{"name": "alice"}}); err != nil {
		t.Fatalf("get_config failed: %v", err)
	}
	if len(agent.commands) != 2 || agent.commands[0].Resource != ResourceInterface {
		t.Fatalf("unexpected forwarded commands %+v", agent.commands)
	}
	if len(mutated) != 1 || mutated[0] != id {
		t.Fatalf("only mutating commands should notify, got %v", mutated)
	}
}

func TestRoutePassesClassifiedErrorWithoutRetry(t *testing.T) {
	r, _ := newTestRegistry(t)
	id := mustRegister(t, r, "a", "10.0.0.1")
	agent := &fakeAgent{err: fleeterr.Unreachable("command client/delete", errors.New("connection refused"))}
	router := NewCommandRouter(r, &countingDialer{agent: agent}, NewSettingService(setupServiceTestDB(t)))

	_, err := router.Route(context.Background(), Command{Resource: ResourceClient, Action: "delete", ServerID: id,
		Payload: map[string]any{"name": "alice"}})
	if !fleeterr.Is(err, fleeterr.KindUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
	if len(agent.commands) != 1 {
		t.Fatalf("router must not retry, got %d attempts", len(agent.commands))
	}
}

func TestRouteOverHTTPAgent(t *testing.T) {
	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer key-a" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"detail":"Invalid API Key"}`)
			return
		}
		var cmd transport.CommandRequest
		_ = json.NewDecoder(req.Body).Decode(&cmd)
		if cmd.Payload["name"] == "taken" {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"success":false,"message":"Client with this name already exists."}`)
			return
		}
		io.WriteString(w, `{"success":true,"message":"Client created successfully!","data":"{\"client_config\":\"[Interface]\"}"}`)
	}))
	defer agentSrv.Close()

	host, portStr, _ := net.SplitHostPort(agentSrv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	r, creds := newTestRegistry(t)
	s, err := r.Register(context.Background(), RegisterRequest{Name: "a", IPAddress: host, AgentPort: port, APIKey: "key-a"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	router := NewCommandRouter(r, transport.NewPool(creds, time.Second, 2*time.Second), NewSettingService(setupServiceTestDB(t)))

	res, err := router.Route(context.Background(), Command{Resource: ResourceClient, Action: "create", ServerID: s.ID,
		Payload: map[string]any{"name": "bob", "expires": "2030-01-01T00:00:00", "traffic": "1073741824"}})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	var data map[string]string
	if err := json.Unmarshal(res.Data, &data); err != nil || data["client_config"] != "[Interface]" {
		t.Fatalf("expected unwrapped data, got %s (%v)", res.Data, err)
	}

	_, err = router.Route(context.Background(), Command{Resource: ResourceClient, Action: "create", ServerID: s.ID,
		Payload: map[string]any{"name": "taken"}})
	if !fleeterr.Is(err, fleeterr.KindAgent) || fleeterr.Message(err) != "Client with this name already exists." {
		t.Fatalf("expected agent error passed through, got %v", err)
	}
}

func TestRouteFleetScopedResources(t *testing.T) {
	r, _ := newTestRegistry(t)
	settings := NewSettingService(setupServiceTestDB(t))
	dialer := &countingDialer{}
	router := NewCommandRouter(r, dialer, settings)
	ctx := context.Background()

	if _, err := router.Route(ctx, Command{Resource: ResourceSetting, Action: "update",
		Payload: map[string]any{"key": SettingMTU, "value": float64(1380)}}); err != nil {
		t.Fatalf("setting update failed: %v", err)
	}
	if v, _ := settings.Get(ctx, SettingMTU); v != "1380" {
		t.Fatalf("expected mtu 1380, got %s", v)
	}

	res, err := router.Route(ctx, Command{Resource: ResourceAPIToken, Action: "create_or_update",
		Payload: map[string]any{"name": "billing"}})
	if err != nil {
		t.Fatalf("api token create failed: %v", err)
	}
	var created map[string]string
	_ = json.Unmarshal(res.Data, &created)
	if created["name"] != "billing" || len(created["token"]) != 48 {
		t.Fatalf("unexpected created token %v", created)
	}

	res, err = router.Route(ctx, Command{Resource: ResourceAPIToken, Action: "list"})
	if err != nil {
		t.Fatalf("api token list failed: %v", err)
	}
	if string(res.Data) != `["billing"]` {
		t.Fatalf("list must return names only, got %s", res.Data)
	}

	if _, err := router.Route(ctx, Command{Resource: ResourceAPIToken, Action: "delete",
		Payload: map[string]any{"name": "missing"}}); !fleeterr.Is(err, fleeterr.KindNotFound) {
		t.Fatalf("expected not found deleting missing token, got %v", err)
	}
	if dialer.calls != 0 {
		t.Fatalf("fleet scoped resources must not dial agents")
	}
}
