package controller

import (
	"context"
	"sync"

	"candy-panel/internal/service"
	"candy-panel/web/session"

	"github.com/gin-gonic/gin"
)

// SettingController exposes fleet settings through a per-view stager.
type SettingController struct {
	svc *Services

	mu      sync.Mutex
	stagers map[string]*service.SettingsStager
}

func NewSettingController(g *gin.RouterGroup, svc *Services) *SettingController {
	a := &SettingController{svc: svc, stagers: make(map[string]*service.SettingsStager)}
	a.initRouter(g)
	return a
}

func (a *SettingController) initRouter(g *gin.RouterGroup) {
	g.GET("", a.getSettings)
	g.POST("/stage", a.stage)
	g.POST("/commit", a.commit)
	g.POST("/reset", a.reset)
}

type stageForm struct {
	Key   string `json:"key" form:"key"`
	Value string `json:"value" form:"value"`
}

type settingsView struct {
	Committed map[string]string `json:"committed"`
	Staged    map[string]string `json:"staged"`
}

func (a *SettingController) stager(ctx context.Context, viewID string) (*service.SettingsStager, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.stagers[viewID]; ok {
		return s, nil
	}
	committed, err := a.svc.Settings.All(ctx)
	if err != nil {
		return nil, err
	}
	s := service.NewSettingsStager(a.svc.Router, committed)
	a.stagers[viewID] = s
	return s, nil
}

// DropView discards the staged edits of a closed view.
func (a *SettingController) DropView(viewID string) {
	a.mu.Lock()
	delete(a.stagers, viewID)
	a.mu.Unlock()
}

func (a *SettingController) getSettings(c *gin.Context) {
	s, err := a.stager(c.Request.Context(), session.ViewID(c))
	if err != nil {
		jsonMsg(c, I18nWeb(c, "settings.get"), err)
		return
	}
	jsonObj(c, settingsView{Committed: s.Committed(), Staged: s.Staged()}, nil)
}

func (a *SettingController) stage(c *gin.Context) {
	var form stageForm
	if err := c.ShouldBind(&form); err != nil {
		jsonMsg(c, I18nWeb(c, "settings.stage"), err)
		return
	}
	if err := service.ValidateSetting(form.Key, form.Value); err != nil {
		jsonMsg(c, I18nWeb(c, "settings.stage"), err)
		return
	}
	s, err := a.stager(c.Request.Context(), session.ViewID(c))
	if err != nil {
		jsonMsg(c, I18nWeb(c, "settings.stage"), err)
		return
	}
	s.Stage(form.Key, form.Value)
	jsonObj(c, settingsView{Committed: s.Committed(), Staged: s.Staged()}, nil)
}

// commit applies staged keys and syncs the server this view is focused on.
func (a *SettingController) commit(c *gin.Context) {
	viewID := session.ViewID(c)
	s, err := a.stager(c.Request.Context(), viewID)
	if err != nil {
		jsonMsg(c, I18nWeb(c, "settings.commit"), err)
		return
	}
	focused, _ := a.svc.Poller.Focused(viewID)
	report, err := s.Commit(c.Request.Context(), focused)
	jsonMsgObj(c, I18nWeb(c, "settings.commit"), report, err)
}

func (a *SettingController) reset(c *gin.Context) {
	viewID := session.ViewID(c)
	s, err := a.stager(c.Request.Context(), viewID)
	if err == nil {
		var committed map[string]string
		committed, err = a.svc.Settings.All(c.Request.Context())
		if err == nil {
			s.Reset(committed)
		}
	}
	jsonMsg(c, I18nWeb(c, "settings.reset"), err)
}
