package controller

import (
	"candy-panel/internal/service"

	"github.com/gin-gonic/gin"
)

// ServerController manages the server roster.
type ServerController struct {
	svc *Services
}

func NewServerController(g *gin.RouterGroup, svc *Services) *ServerController {
	a := &ServerController{svc: svc}
	a.initRouter(g)
	return a
}

func (a *ServerController) initRouter(g *gin.RouterGroup) {
	g.GET("", a.getServers)
	g.GET("/:id", a.getServer)
	g.GET("/:id/clients", a.getClients)
	g.GET("/:id/interfaces", a.getInterfaces)

	g.POST("", a.addServer)
	g.POST("/:id", a.updateServer)
	g.POST("/:id/delete", a.deleteServer)
	g.POST("/:id/check", a.checkServer)
}

func (a *ServerController) getServers(c *gin.Context) {
	servers, err := a.svc.Registry.List(c.Request.Context())
	if err != nil {
		jsonMsg(c, I18nWeb(c, "servers.list"), err)
		return
	}
	jsonObj(c, servers, nil)
}

func (a *ServerController) getServer(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		jsonMsg(c, I18nWeb(c, "servers.get"), err)
		return
	}
	server, err := a.svc.Registry.Get(c.Request.Context(), id)
	if err != nil {
		jsonMsg(c, I18nWeb(c, "servers.get"), err)
		return
	}
	jsonObj(c, server, nil)
}

type cachedList struct {
	ServerID uint `json:"server_id"`
	Fetched  bool `json:"fetched"`
	Items    any  `json:"items"`
}

// getClients returns the cached client list; fetched is false until the first poll lands.
func (a *ServerController) getClients(c *gin.Context) {
	id, err := parseID(c, "id")
	if err == nil {
		_, err = a.svc.Registry.Get(c.Request.Context(), id)
	}
	if err != nil {
		jsonMsg(c, I18nWeb(c, "servers.clients"), err)
		return
	}
	clients, ok := a.svc.Registry.Clients(id)
	redacted := make([]any, 0, len(clients))
	for _, cl := range clients {
		redacted = append(redacted, cl.Redacted())
	}
	jsonObj(c, cachedList{ServerID: id, Fetched: ok, Items: redacted}, nil)
}

func (a *ServerController) getInterfaces(c *gin.Context) {
	id, err := parseID(c, "id")
	if err == nil {
		_, err = a.svc.Registry.Get(c.Request.Context(), id)
	}
	if err != nil {
		jsonMsg(c, I18nWeb(c, "servers.interfaces"), err)
		return
	}
	ifaces, ok := a.svc.Registry.Interfaces(id)
	redacted := make([]any, 0, len(ifaces))
	for _, i := range ifaces {
		redacted = append(redacted, i.Redacted())
	}
	jsonObj(c, cachedList{ServerID: id, Fetched: ok, Items: redacted}, nil)
}

func (a *ServerController) addServer(c *gin.Context) {
	var req service.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		jsonMsg(c, I18nWeb(c, "servers.add"), err)
		return
	}
	server, err := a.svc.Registry.Register(c.Request.Context(), req)
	if err != nil {
		jsonMsg(c, I18nWeb(c, "servers.add"), err)
		return
	}
	a.svc.Poller.TriggerRoster()
	jsonMsgObj(c, I18nWeb(c, "servers.addSuccess", "name=="+server.Name), server, nil)
}

func (a *ServerController) updateServer(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		jsonMsg(c, I18nWeb(c, "servers.update"), err)
		return
	}
	var upd service.ServerUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		jsonMsg(c, I18nWeb(c, "servers.update"), err)
		return
	}
	server, err := a.svc.Registry.Update(c.Request.Context(), id, upd)
	if err != nil {
		jsonMsg(c, I18nWeb(c, "servers.update"), err)
		return
	}
	a.svc.Poller.TriggerRoster()
	jsonMsgObj(c, I18nWeb(c, "servers.updateSuccess"), server, nil)
}

func (a *ServerController) deleteServer(c *gin.Context) {
	id, err := parseID(c, "id")
	if err != nil {
		jsonMsg(c, I18nWeb(c, "servers.delete"), err)
		return
	}
	err = a.svc.Registry.Delete(c.Request.Context(), id)
	if err != nil {
		jsonMsg(c, I18nWeb(c, "servers.delete"), err)
		return
	}
	jsonMsg(c, I18nWeb(c, "servers.deleteSuccess"), nil)
}

// checkServer runs one snapshot fetch and returns the server with its new status.
func (a *ServerController) checkServer(c *gin.Context) {
	id, err := parseID(c, "id")
	if err == nil {
		_, err = a.svc.Registry.Get(c.Request.Context(), id)
	}
	if err == nil {
		err = a.svc.Poller.Check(c.Request.Context(), id)
	}
	if err != nil {
		jsonMsg(c, I18nWeb(c, "servers.check"), err)
		return
	}
	server, err := a.svc.Registry.Get(c.Request.Context(), id)
	jsonObj(c, server, err)
}
