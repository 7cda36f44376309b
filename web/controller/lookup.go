package controller

import (
	"context"
	"strings"
	"time"

	"candy-panel/internal/model"
	"candy-panel/internal/service"
	"candy-panel/logger"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
)

const lookupConfigTimeout = 5 * time.Second

// LookupController serves the unauthenticated client lookup used by share links.
type LookupController struct {
	svc *Services
}

func NewLookupController(g *gin.RouterGroup, svc *Services) *LookupController {
	a := &LookupController{svc: svc}
	a.initRouter(g)
	return a
}

func (a *LookupController) initRouter(g *gin.RouterGroup) {
	g.GET("/:name/:public_key", a.lookup)
}

type lookupResult struct {
	Client     model.Client `json:"client"`
	ServerID   uint         `json:"server_id"`
	ServerName string       `json:"server_name"`
	Config     string       `json:"config,omitempty"`
}

func (a *LookupController) lookup(c *gin.Context) {
	match, err := a.svc.Resolver.ResolveClient(c.Request.Context(), c.Param("name"), c.Param("public_key"))
	if err != nil {
		statusMsgObj(c, I18nWeb(c, "lookup.get"), nil, err)
		return
	}
	out := lookupResult{Client: match.Client, ServerID: match.Server.ID, ServerName: match.Server.Name}
	out.Config = a.fetchConfig(c.Request.Context(), match)
	statusMsgObj(c, "", out, nil)
}

// fetchConfig asks the owning agent for the client config with the private
// key removed; an unreachable agent only drops the field.
func (a *LookupController) fetchConfig(ctx context.Context, match *service.Match) string {
	ctx, cancel := context.WithTimeout(ctx, lookupConfigTimeout)
	defer cancel()
	res, err := a.svc.Router.Route(ctx, service.Command{
		Resource: service.ResourceClient,
		Action:   "get_config",
		ServerID: match.Server.ID,
		Payload:  map[string]any{"name": match.Client.Name},
	})
	if err != nil {
		logger.Debugf("lookup config for %s on server %d: %v", match.Client.Name, match.Server.ID, err)
		return ""
	}
	var body struct {
		Config string `json:"config"`
	}
	if len(res.Data) == 0 || json.Unmarshal(res.Data, &body) != nil {
		return ""
	}
	return redactConfig(body.Config)
}

// redactConfig drops every PrivateKey line from a WireGuard config.
func redactConfig(cfg string) string {
	lines := strings.Split(cfg, "\n")
	kept := lines[:0]
	for _, line := range lines {
		key, _, found := strings.Cut(line, "=")
		if found && strings.EqualFold(strings.TrimSpace(key), "PrivateKey") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
