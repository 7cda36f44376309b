package controller

import (
	"net/http"
	"strings"

	"candy-panel/logger"
	"candy-panel/web/session"

	"github.com/gin-gonic/gin"
)

type LoginForm struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

// IndexController handles login and logout.
type IndexController struct {
	svc      *Services
	onLogout func(viewID string)
}

func NewIndexController(g *gin.RouterGroup, svc *Services, onLogout func(viewID string)) *IndexController {
	a := &IndexController{svc: svc, onLogout: onLogout}
	a.initRouter(g)
	return a
}

func (a *IndexController) initRouter(g *gin.RouterGroup) {
	g.POST("/login", a.login)
	g.POST("/logout", a.logout)
}

func (a *IndexController) login(c *gin.Context) {
	var form LoginForm
	if err := c.ShouldBind(&form); err != nil {
		pureJsonMsg(c, http.StatusOK, false, I18nWeb(c, "login.empty"))
		return
	}
	form.Username = strings.TrimSpace(form.Username)
	if form.Username == "" || form.Password == "" {
		pureJsonMsg(c, http.StatusOK, false, I18nWeb(c, "login.empty"))
		return
	}

	ok, err := a.svc.Settings.CheckAdmin(c.Request.Context(), form.Username, form.Password)
	if err != nil {
		jsonMsg(c, I18nWeb(c, "login.invalid"), err)
		return
	}
	if !ok {
		logger.Warningf("wrong username or password: %q from %s", form.Username, getRemoteIp(c))
		pureJsonMsg(c, http.StatusOK, false, I18nWeb(c, "login.invalid"))
		return
	}

	if err := session.SetLoginUser(c, form.Username); err != nil {
		jsonMsg(c, I18nWeb(c, "login.invalid"), err)
		return
	}
	logger.Infof("%s logged in successfully, ip: %s", form.Username, getRemoteIp(c))
	jsonMsg(c, I18nWeb(c, "login.success"), nil)
}

// logout clears the session and tears down every view it owned.
func (a *IndexController) logout(c *gin.Context) {
	user := session.GetLoginUser(c)
	viewID, err := session.ClearSession(c)
	if viewID != "" && a.onLogout != nil {
		a.onLogout(viewID)
	}
	if user != "" {
		logger.Infof("%s logged out", user)
	}
	jsonMsg(c, I18nWeb(c, "login.logout"), err)
}
