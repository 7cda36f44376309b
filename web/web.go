// Package web provides the panel's HTTP server: routing, sessions, i18n, and
// the background jobs that keep the fleet cache fresh.
package web

import (
	"context"
	"crypto/tls"
	"embed"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"candy-panel/internal/config"
	"candy-panel/internal/credential"
	"candy-panel/internal/poller"
	"candy-panel/internal/security"
	"candy-panel/internal/service"
	"candy-panel/internal/transport"
	"candy-panel/logger"
	"candy-panel/util/common"
	"candy-panel/web/controller"
	"candy-panel/web/job"
	"candy-panel/web/locale"
	"candy-panel/web/middleware"

	"github.com/gin-contrib/gzip"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

//go:embed translation/*
var i18nFS embed.FS

const sessionName = "candy-panel"

// Server wires the fleet services to the HTTP surface.
type Server struct {
	cfg *config.PanelConfig
	db  *gorm.DB

	httpServer *http.Server
	listener   net.Listener

	svc      *controller.Services
	notifier *service.Notifier
	limiter  *middleware.RateLimiter
	settings *controller.SettingController

	cron *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new web server instance with a cancellable context.
func NewServer(cfg *config.PanelConfig, db *gorm.DB) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		db:      db,
		limiter: middleware.NewRateLimiter(60, 30),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// initServices builds the registry, poller and router and connects their hooks.
func (s *Server) initServices() error {
	creds := credential.NewStore()
	registry := service.NewServerRegistry(s.db, creds)
	if err := registry.Load(s.ctx); err != nil {
		return fmt.Errorf("load servers: %w", err)
	}

	settings := service.NewSettingService(s.db)
	if err := settings.Seed(s.ctx, s.cfg.AdminUser, s.cfg.AdminPassword); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}

	pool := transport.NewPool(creds, s.cfg.PollTimeout, s.cfg.CommandTimeout)
	p := poller.New(registry, pool, poller.Options{FocusInterval: s.cfg.FocusInterval})
	router := service.NewCommandRouter(registry, pool, settings)
	s.notifier = service.NewNotifier(settings)

	registry.OnDelete(p.ServerDeleted)
	registry.OnStatusChange(s.notifier.ServerStatusChanged)
	router.OnMutation(func(uint) { p.TriggerRoster() })

	s.svc = &controller.Services{
		Registry: registry,
		Settings: settings,
		Router:   router,
		Resolver: service.NewResolver(registry),
		Poller:   p,
	}
	return nil
}

// sessionSecret returns the configured secret, or the one persisted from an
// earlier start, generating it on first use.
func (s *Server) sessionSecret() ([]byte, error) {
	if s.cfg.SessionSecret != "" {
		return []byte(s.cfg.SessionSecret), nil
	}
	stored, err := s.svc.Settings.Get(s.ctx, service.SettingSessionToken)
	if err == nil && stored != "" && stored != "NONE" {
		return []byte(stored), nil
	}
	secret, err := security.GenerateSecret(32)
	if err != nil {
		return nil, err
	}
	if err := s.svc.Settings.SetSessionToken(s.ctx, secret); err != nil {
		return nil, err
	}
	logger.Warning("CANDY_SESSION_SECRET is not set; generated a session secret and stored it in settings")
	return []byte(secret), nil
}

// initRouter initializes Gin, registers middleware and controllers and
// returns the configured engine.
func (s *Server) initRouter() (*gin.Engine, error) {
	if s.cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.DefaultWriter = io.Discard
		gin.DefaultErrorWriter = io.Discard
		gin.SetMode(gin.ReleaseMode)
	}

	secret, err := s.sessionSecret()
	if err != nil {
		return nil, err
	}
	if err := locale.InitLocalizer(i18nFS); err != nil {
		return nil, err
	}
	return s.newEngine(secret), nil
}

func (s *Server) newEngine(secret []byte) *gin.Engine {
	engine := gin.New()
	// public keys are base64 and may carry an escaped '/'
	engine.UseRawPath = true
	if err := engine.SetTrustedProxies(s.cfg.TrustedProxies); err != nil {
		logger.Warning("invalid trusted proxies, trusting none:", err)
		_ = engine.SetTrustedProxies(nil)
	}
	engine.Use(gin.Recovery())
	engine.Use(gzip.Gzip(gzip.DefaultCompression))

	store := cookie.NewStore(secret)
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int((12 * time.Hour).Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.TLSEnabled(),
		SameSite: http.SameSiteLaxMode,
	})
	engine.Use(sessions.Sessions(sessionName, store))
	engine.Use(locale.LocalizerMiddleware())

	controller.NewIndexController(engine.Group("/"), s.svc, s.teardownView)

	api := engine.Group("/api", middleware.SessionAuth(nil))
	controller.NewServerController(api.Group("/servers"), s.svc)
	controller.NewDashboardController(api.Group("/dashboard"), s.svc)
	controller.NewViewController(api.Group("/view"), s.svc)
	s.settings = controller.NewSettingController(api.Group("/settings"), s.svc)

	// API tokens are accepted on the command surface only.
	controller.NewCommandController(engine.Group("/api/command", middleware.SessionAuth(s.svc.Settings)), s.svc)

	controller.NewLookupController(engine.Group("/client", s.limiter.Middleware()), s.svc)

	engine.NoRoute(func(c *gin.Context) {
		c.AbortWithStatus(http.StatusNotFound)
	})
	return engine
}

// teardownView cancels a logged-out session's polls and drops its staged settings.
func (s *Server) teardownView(viewID string) {
	s.svc.Poller.CloseView(viewID)
	if s.settings != nil {
		s.settings.DropView(viewID)
	}
}

// startTask schedules the background jobs.
func (s *Server) startTask() {
	s.svc.Poller.Start(s.ctx)

	roster := fmt.Sprintf("@every %s", s.cfg.RosterInterval)
	if _, err := s.cron.AddJob(roster, job.NewRosterRefreshJob(s.svc.Poller)); err != nil {
		logger.Warning("add roster job failed:", err)
	}
	if _, err := s.cron.AddJob("@every 1m", job.NewAlertNotifyJob(s.svc.Registry, s.notifier)); err != nil {
		logger.Warning("add alert job failed:", err)
	}
	if _, err := s.cron.AddJob("@every 10m", job.NewPruneRateLimitJob(s.limiter, 10*time.Minute)); err != nil {
		logger.Warning("add prune job failed:", err)
	}
}

// Start initializes and starts the web server with configured settings, routes, and background jobs.
func (s *Server) Start() (err error) {
	defer func() {
		if err != nil {
			s.Stop()
		}
	}()

	if err = s.initServices(); err != nil {
		return err
	}

	cronLogger := cron.PrintfLogger(logger.Printf{})
	s.cron = cron.New(cron.WithLogger(cronLogger), cron.WithChain(cron.Recover(cronLogger)))
	s.cron.Start()

	engine, err := s.initRouter()
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", net.JoinHostPort("", s.cfg.HTTPPort))
	if err != nil {
		return err
	}
	if s.cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			listener.Close()
			return fmt.Errorf("load tls certificate: %w", err)
		}
		listener = tls.NewListener(listener, &tls.Config{Certificates: []tls.Certificate{cert}})
		logger.Info("Web server running HTTPS on", listener.Addr())
	} else {
		logger.Info("Web server running HTTP on", listener.Addr())
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("web server stopped:", err)
		}
	}()

	s.startTask()
	return nil
}

// Stop shuts down the web server, the cron jobs and every poll.
func (s *Server) Stop() error {
	if s.svc != nil {
		s.svc.Poller.Stop()
	}
	if s.cron != nil {
		s.cron.Stop()
	}
	var err1, err2 error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err1 = s.httpServer.Shutdown(ctx)
		cancel()
	}
	if s.listener != nil && s.httpServer == nil {
		err2 = s.listener.Close()
	}
	s.cancel()
	return common.Combine(err1, err2)
}

// GetCtx returns the server's context for cancellation and deadline management.
func (s *Server) GetCtx() context.Context {
	return s.ctx
}

// GetCron returns the server's cron scheduler instance.
func (s *Server) GetCron() *cron.Cron {
	return s.cron
}
