package controller

import (
	"candy-panel/web/session"

	"github.com/gin-gonic/gin"
)

// ViewController points this session's view at a server.
type ViewController struct {
	svc *Services
}

func NewViewController(g *gin.RouterGroup, svc *Services) *ViewController {
	a := &ViewController{svc: svc}
	a.initRouter(g)
	return a
}

func (a *ViewController) initRouter(g *gin.RouterGroup) {
	g.GET("", a.getView)
	g.POST("/focus", a.focus)
	g.POST("/close", a.close)
}

type focusForm struct {
	ServerID uint `json:"server_id" form:"server_id"`
}

type viewState struct {
	ViewID     string `json:"view_id"`
	ServerID   uint   `json:"server_id,omitempty"`
	Focused    bool   `json:"focused"`
	Snapshot   any    `json:"snapshot,omitempty"`
	Clients    any    `json:"clients,omitempty"`
	Interfaces any    `json:"interfaces,omitempty"`
}

func (a *ViewController) getView(c *gin.Context) {
	viewID := session.ViewID(c)
	state := viewState{ViewID: viewID}
	if id, ok := a.svc.Poller.Focused(viewID); ok {
		state.ServerID, state.Focused = id, true
		if snap, ok := a.svc.Registry.Snapshot(id); ok {
			state.Snapshot = snap
		}
		if clients, ok := a.svc.Registry.Clients(id); ok {
			redacted := make([]any, 0, len(clients))
			for _, cl := range clients {
				redacted = append(redacted, cl.Redacted())
			}
			state.Clients = redacted
		}
		if ifaces, ok := a.svc.Registry.Interfaces(id); ok {
			redacted := make([]any, 0, len(ifaces))
			for _, i := range ifaces {
				redacted = append(redacted, i.Redacted())
			}
			state.Interfaces = redacted
		}
	}
	jsonObj(c, state, nil)
}

func (a *ViewController) focus(c *gin.Context) {
	var form focusForm
	if err := c.ShouldBind(&form); err != nil {
		jsonMsg(c, I18nWeb(c, "view.focus"), err)
		return
	}
	if _, err := a.svc.Registry.Get(c.Request.Context(), form.ServerID); err != nil {
		jsonMsg(c, I18nWeb(c, "view.focus"), err)
		return
	}
	viewID := session.ViewID(c)
	a.svc.Poller.Focus(viewID, form.ServerID)
	jsonObj(c, viewState{ViewID: viewID, ServerID: form.ServerID, Focused: true}, nil)
}

func (a *ViewController) close(c *gin.Context) {
	a.svc.Poller.CloseView(session.ViewID(c))
	jsonMsg(c, I18nWeb(c, "view.close"), nil)
}
