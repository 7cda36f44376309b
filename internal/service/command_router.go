package service

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"candy-panel/internal/fleeterr"
	"candy-panel/internal/model"
	"candy-panel/internal/transport"
	"candy-panel/logger"

	"github.com/goccy/go-json"
)

const (
	ResourceClient    = "client"
	ResourceInterface = "interface"
	ResourceSetting   = "setting"
	ResourceAPIToken  = "api_token"
	ResourceSync      = "sync"
)

// routes lists the accepted actions per resource and whether the resource is
// forwarded to an agent (true) or handled by the panel itself (false).
var routes = map[string]struct {
	agent   bool
	actions map[string]bool
}{
	ResourceClient: {agent: true, actions: map[string]bool{
		"create": true, "update": true, "delete": true, "get_config": true, "get_details": true,
	}},
	ResourceInterface: {agent: true, actions: map[string]bool{
		"create": true, "update": true, "delete": true,
	}},
	ResourceSync: {agent: true, actions: map[string]bool{
		"trigger": true,
	}},
	ResourceSetting: {actions: map[string]bool{
		"update": true,
	}},
	ResourceAPIToken: {actions: map[string]bool{
		"create_or_update": true, "delete": true, "list": true,
	}},
}

// readOnlyActions do not change agent state and trigger no roster refresh.
var readOnlyActions = map[string]bool{"get_config": true, "get_details": true}

// Command is one request to the central command surface.
type Command struct {
	Resource string         `json:"resource"`
	Action   string         `json:"action"`
	ServerID uint           `json:"server_id"`
	Payload  map[string]any `json:"payload"`
}

type serverLookup interface {
	Get(ctx context.Context, id uint) (*model.Server, error)
}

// CommandRouter validates commands and forwards agent-scoped ones to the
// owning server. It does not retry.
type CommandRouter struct {
	servers  serverLookup
	dialer   transport.Dialer
	settings *SettingService

	mu         sync.RWMutex
	onMutation []func(serverID uint)
}

func NewCommandRouter(servers serverLookup, dialer transport.Dialer, settings *SettingService) *CommandRouter {
	return &CommandRouter{servers: servers, dialer: dialer, settings: settings}
}

// OnMutation registers fn to run after an agent accepted a state-changing command.
func (r *CommandRouter) OnMutation(fn func(serverID uint)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMutation = append(r.onMutation, fn)
}

func (r *CommandRouter) Route(ctx context.Context, cmd Command) (*transport.Result, error) {
	op := fmt.Sprintf("route %s/%s", cmd.Resource, cmd.Action)
	cmd.Resource = strings.TrimSpace(cmd.Resource)
	cmd.Action = strings.TrimSpace(cmd.Action)

	route, ok := routes[cmd.Resource]
	if !ok {
		return nil, fleeterr.Validation(op, "unknown resource %q", cmd.Resource)
	}
	if !route.actions[cmd.Action] {
		return nil, fleeterr.Validation(op, "unknown action %q for %s", cmd.Action, cmd.Resource)
	}
	if cmd.Payload == nil {
		cmd.Payload = map[string]any{}
	}

	if !route.agent {
		return r.routeFleet(ctx, op, cmd)
	}

	if cmd.ServerID == 0 {
		return nil, fleeterr.Validation(op, "server_id is required for %s", cmd.Resource)
	}
	if _, err := r.servers.Get(ctx, cmd.ServerID); err != nil {
		if fleeterr.Is(err, fleeterr.KindNotFound) {
			return nil, fleeterr.Validation(op, "server %d not found", cmd.ServerID)
		}
		return nil, err
	}
	if err := validateAgentPayload(op, cmd); err != nil {
		return nil, err
	}

	agent, err := r.dialer.Agent(cmd.ServerID)
	if err != nil {
		if fleeterr.Is(err, fleeterr.KindNotFound) {
			return nil, fleeterr.Validation(op, "server %d has no credential", cmd.ServerID)
		}
		return nil, err
	}

	res, err := agent.SendCommand(ctx, cmd.Resource, cmd.Action, cmd.Payload)
	if err != nil {
		logger.Warningf("command %s/%s on server %d failed: %v", cmd.Resource, cmd.Action, cmd.ServerID, err)
		return nil, err
	}
	logger.Infof("command %s/%s on server %d: %s", cmd.Resource, cmd.Action, cmd.ServerID, res.Message)

	if !readOnlyActions[cmd.Action] {
		r.mu.RLock()
		hooks := append([]func(uint){}, r.onMutation...)
		r.mu.RUnlock()
		for _, fn := range hooks {
			fn(cmd.ServerID)
		}
	}
	return res, nil
}

func validateAgentPayload(op string, cmd Command) error {
	p := cmd.Payload
	switch cmd.Resource {
	case ResourceClient:
		if name, _ := payloadString(p, "name"); strings.TrimSpace(name) == "" {
			return fleeterr.Validation(op, "client name is required")
		}
		if cmd.Action == "create" {
			if traffic, ok := payloadString(p, "traffic"); ok && traffic != "" {
				if n, err := strconv.ParseInt(traffic, 10, 64); err != nil || n < 0 {
					return fleeterr.Validation(op, "traffic must be a byte count")
				}
			}
		}
	case ResourceInterface:
		if cmd.Action == "create" {
			cidr, _ := payloadString(p, "address_range")
			if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
				return fleeterr.Validation(op, "address_range must be a CIDR")
			}
			port, ok := payloadInt(p, "port")
			if !ok || port <= 0 || port > 65535 {
				return fleeterr.Validation(op, "port must be between 1 and 65535")
			}
			return nil
		}
		if wg, ok := payloadInt(p, "wg"); !ok || wg < 0 {
			return fleeterr.Validation(op, "wg interface id is required")
		}
	}
	return nil
}

func (r *CommandRouter) routeFleet(ctx context.Context, op string, cmd Command) (*transport.Result, error) {
	switch cmd.Resource {
	case ResourceSetting:
		key, _ := payloadString(cmd.Payload, "key")
		value, ok := payloadString(cmd.Payload, "value")
		if !ok {
			return nil, fleeterr.Validation(op, "value is required")
		}
		if err := r.settings.Update(ctx, key, value); err != nil {
			return nil, err
		}
		return &transport.Result{Success: true, Message: fmt.Sprintf("Setting %s updated.", key)}, nil

	case ResourceAPIToken:
		name, _ := payloadString(cmd.Payload, "name")
		switch cmd.Action {
		case "create_or_update":
			token, _ := payloadString(cmd.Payload, "token")
			token, err := r.settings.PutAPIToken(ctx, name, token)
			if err != nil {
				return nil, err
			}
			return resultWithData(fmt.Sprintf("API token %s saved.", name), map[string]string{"name": name, "token": token})
		case "delete":
			if err := r.settings.DeleteAPIToken(ctx, name); err != nil {
				return nil, err
			}
			return &transport.Result{Success: true, Message: fmt.Sprintf("API token %s deleted.", name)}, nil
		case "list":
			names, err := r.settings.APITokenNames(ctx)
			if err != nil {
				return nil, err
			}
			return resultWithData("", names)
		}
	}
	return nil, fleeterr.Validation(op, "unsupported command")
}

func resultWithData(message string, data any) (*transport.Result, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &transport.Result{Success: true, Message: message, Data: raw}, nil
}

// payloadString reads a scalar payload field as text.
func payloadString(p map[string]any, key string) (string, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		if t {
			return "1", true
		}
		return "0", true
	case json.Number:
		return t.String(), true
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
}

func payloadInt(p map[string]any, key string) (int, bool) {
	s, ok := payloadString(p, key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}
