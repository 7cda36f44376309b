package controller

import (
	"candy-panel/internal/service"

	"github.com/gin-gonic/gin"
)

// DashboardController serves the fleet-wide dashboard.
type DashboardController struct {
	svc *Services
}

func NewDashboardController(g *gin.RouterGroup, svc *Services) *DashboardController {
	a := &DashboardController{svc: svc}
	a.initRouter(g)
	return a
}

func (a *DashboardController) initRouter(g *gin.RouterGroup) {
	g.GET("", a.getDashboard)
	g.GET("/poller", a.getPollerStats)
}

// getDashboard aggregates cached snapshots only; it never contacts agents.
func (a *DashboardController) getDashboard(c *gin.Context) {
	servers, err := a.svc.Registry.List(c.Request.Context())
	if err != nil {
		jsonMsg(c, I18nWeb(c, "dashboard.get"), err)
		return
	}
	jsonObj(c, service.Aggregate(servers), nil)
}

func (a *DashboardController) getPollerStats(c *gin.Context) {
	jsonObj(c, a.svc.Poller.Stats(), nil)
}
