package controller

import (
	"strconv"
	"strings"

	"candy-panel/internal/fleeterr"
	"candy-panel/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
)

// CommandController is the central command surface.
type CommandController struct {
	svc *Services
}

func NewCommandController(g *gin.RouterGroup, svc *Services) *CommandController {
	a := &CommandController{svc: svc}
	a.initRouter(g)
	return a
}

func (a *CommandController) initRouter(g *gin.RouterGroup) {
	g.POST("", a.command)
}

// command accepts {resource, action, server_id?, ...payload}. Payload fields
// may also be nested under "payload".
func (a *CommandController) command(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		statusMsgObj(c, I18nWeb(c, "command.invalid"), nil, fleeterr.Validation("command", "read body: %v", err))
		return
	}
	cmd, err := parseCommand(body)
	if err != nil {
		statusMsgObj(c, I18nWeb(c, "command.invalid"), nil, err)
		return
	}

	res, err := a.svc.Router.Route(c.Request.Context(), cmd)
	if err != nil {
		statusMsgObj(c, I18nWeb(c, "command.run"), nil, err)
		return
	}
	var data any
	if len(res.Data) > 0 {
		data = res.Data
	}
	statusMsgObj(c, res.Message, data, nil)
}

func parseCommand(body []byte) (service.Command, error) {
	const op = "parse command"
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return service.Command{}, fleeterr.Validation(op, "invalid json: %v", err)
	}

	cmd := service.Command{Payload: map[string]any{}}
	cmd.Resource, _ = raw["resource"].(string)
	cmd.Action, _ = raw["action"].(string)
	if v, ok := raw["server_id"]; ok && v != nil {
		id, err := toServerID(v)
		if err != nil {
			return service.Command{}, fleeterr.Validation(op, "invalid server_id: %v", err)
		}
		cmd.ServerID = id
	}
	if nested, ok := raw["payload"].(map[string]any); ok {
		for k, v := range nested {
			cmd.Payload[k] = v
		}
	}
	for k, v := range raw {
		switch k {
		case "resource", "action", "server_id", "payload":
			continue
		}
		cmd.Payload[k] = v
	}
	return cmd, nil
}

func toServerID(v any) (uint, error) {
	switch n := v.(type) {
	case float64:
		if n < 0 || n != float64(uint(n)) {
			return 0, fleeterr.Validation("server id", "not a positive integer")
		}
		return uint(n), nil
	case string:
		id, err := strconv.ParseUint(strings.TrimSpace(n), 10, 64)
		return uint(id), err
	}
	return 0, fleeterr.Validation("server id", "unsupported type %T", v)
}
