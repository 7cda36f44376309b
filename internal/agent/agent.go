// Package agent is a reference implementation of the per-server agent RPC
// the panel polls and commands.
package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	agentconfig "candy-panel/internal/agent/config"
	"candy-panel/internal/model"
	"candy-panel/internal/security"
	"candy-panel/logger"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

type Agent struct {
	config  *agentconfig.Config
	store   *Store
	sampler HostSampler
	rates   rateMeter
}

func New(cfg *agentconfig.Config) (*Agent, error) {
	store, err := NewStore(cfg)
	if err != nil {
		return nil, err
	}
	return &Agent{config: cfg, store: store, sampler: systemSampler{}}, nil
}

// Store exposes the agent's client/interface state.
func (a *Agent) Store() *Store { return a.store }

func (a *Agent) Run(ctx context.Context) error {
	logger.Infof("starting candy agent (%s)", a.config.String())

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go a.startSchedulers(ctx)

	return a.serve(ctx)
}

func (a *Agent) serve(ctx context.Context) error {
	server := &http.Server{
		Addr:              a.config.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		tCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(tCtx)
	}()

	logger.Infof("agent API server listening on %s", a.config.ListenAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the agent RPC router.
func (a *Agent) Handler() http.Handler {
	router := mux.NewRouter()
	api := router.PathPrefix("/agent_api").Subrouter()
	api.Use(a.authenticate)
	api.HandleFunc("/health", a.wrapHandler(a.healthHandler)).Methods(http.MethodGet)
	api.HandleFunc("/dashboard", a.wrapHandler(a.dashboardHandler)).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/clients", a.wrapHandler(a.clientsHandler)).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/interfaces", a.wrapHandler(a.interfacesHandler)).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/command", a.wrapHandler(a.commandHandler)).Methods(http.MethodPost)
	return router
}

func (a *Agent) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if auth := r.Header.Get("Authorization"); key == "" && strings.HasPrefix(auth, "Bearer ") {
			key = strings.TrimPrefix(auth, "Bearer ")
		}
		if key == "" || !security.Equal(key, a.config.APIKey) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Unauthorized: Invalid Agent API Key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Agent) wrapHandler(handler func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := handler(w, r); err != nil {
			status := http.StatusInternalServerError
			var httpErr *HTTPError
			var storeErr *StoreError
			switch {
			case errors.As(err, &httpErr):
				status = httpErr.StatusCode
			case errors.As(err, &storeErr) && storeErr.NotFound:
				status = http.StatusNotFound
			case errors.As(err, &storeErr):
				status = http.StatusBadRequest
			}
			if status >= http.StatusInternalServerError {
				logger.Error("agent handler error:", err)
			} else {
				logger.Debug("agent request rejected:", err)
			}
			writeJSON(w, status, map[string]any{"success": false, "message": err.Error()})
		}
	}
}

func (a *Agent) healthHandler(w http.ResponseWriter, r *http.Request) error {
	return writeSuccess(w, "ok", map[string]any{"status": "ok", "timestamp": time.Now()})
}

func (a *Agent) dashboardHandler(w http.ResponseWriter, r *http.Request) error {
	snap, err := a.snapshot(r.Context())
	if err != nil {
		return err
	}
	return writeSuccess(w, "Dashboard stats retrieved.", snap)
}

func (a *Agent) clientsHandler(w http.ResponseWriter, r *http.Request) error {
	return writeSuccess(w, "Clients retrieved.", a.store.Clients())
}

func (a *Agent) interfacesHandler(w http.ResponseWriter, r *http.Request) error {
	return writeSuccess(w, "Interfaces retrieved.", a.store.Interfaces())
}

type commandRequest struct {
	Resource string          `json:"resource"`
	Action   string          `json:"action"`
	Payload  json.RawMessage `json:"payload"`
}

type commandPayload struct {
	Name         string            `json:"name"`
	WG           *model.FlexInt    `json:"wg"`
	WGID         *model.FlexInt    `json:"wg_id"`
	Expires      *string           `json:"expires"`
	Traffic      *model.FlexString `json:"traffic"`
	Note         *string           `json:"note"`
	Status       *model.FlexBool   `json:"status"`
	AddressRange *string           `json:"address_range"`
	Port         *model.FlexInt    `json:"port"`
}

func (p commandPayload) wg() int {
	switch {
	case p.WG != nil:
		return int(*p.WG)
	case p.WGID != nil:
		return int(*p.WGID)
	}
	return 0
}

func (p commandPayload) clientInput() ClientInput {
	in := ClientInput{Name: p.Name, WG: p.wg(), Expires: p.Expires, Note: p.Note}
	if p.Traffic != nil {
		t := p.Traffic.String()
		in.Traffic = &t
	}
	if p.Status != nil {
		b := bool(*p.Status)
		in.Status = &b
	}
	return in
}

func (a *Agent) commandHandler(w http.ResponseWriter, r *http.Request) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return &HTTPError{StatusCode: http.StatusBadRequest, Message: "read body: " + err.Error()}
	}
	defer r.Body.Close()

	var req commandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return &HTTPError{StatusCode: http.StatusBadRequest, Message: "invalid payload"}
	}
	var p commandPayload
	if len(req.Payload) > 0 && string(req.Payload) != "null" {
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return &HTTPError{StatusCode: http.StatusBadRequest, Message: "invalid payload"}
		}
	}
	logger.Debugf("command %s/%s (%d bytes)", req.Resource, req.Action, len(body))

	switch req.Resource + "/" + req.Action {
	case "client/create":
		created, err := a.store.CreateClient(p.clientInput())
		if err != nil {
			return err
		}
		return writeSuccess(w, "Client created successfully.", created)
	case "client/update":
		if err := a.store.UpdateClient(p.clientInput()); err != nil {
			return err
		}
		return writeSuccess(w, "Client updated successfully.", nil)
	case "client/delete":
		if err := a.store.DeleteClient(p.Name); err != nil {
			return err
		}
		return writeSuccess(w, "Client deleted successfully.", nil)
	case "client/get_config":
		cfg, err := a.store.ClientConfig(p.Name)
		if err != nil {
			return err
		}
		return writeSuccess(w, "Client config retrieved.", map[string]string{"config": cfg})
	case "client/get_details":
		c, err := a.store.Client(p.Name)
		if err != nil {
			return err
		}
		return writeSuccess(w, "Client details retrieved.", c)
	case "interface/create":
		if p.AddressRange == nil || p.Port == nil {
			return &HTTPError{StatusCode: http.StatusBadRequest, Message: "missing address_range or port for interface creation"}
		}
		created, err := a.store.CreateInterface(*p.AddressRange, int(*p.Port))
		if err != nil {
			return err
		}
		return writeSuccess(w, "New Interface Created!", created)
	case "interface/update":
		var port *int
		if p.Port != nil {
			v := int(*p.Port)
			port = &v
		}
		var status *bool
		if p.Status != nil {
			v := bool(*p.Status)
			status = &v
		}
		if err := a.store.UpdateInterface(p.wg(), p.AddressRange, port, status); err != nil {
			return err
		}
		return writeSuccess(w, "Interface updated successfully.", nil)
	case "interface/delete":
		if err := a.store.DeleteInterface(p.wg()); err != nil {
			return err
		}
		return writeSuccess(w, "Interface deleted successfully.", nil)
	case "sync/trigger":
		report := a.store.Sync()
		logger.Infof("sync removed %d expired and %d over-quota clients", len(report.Expired), len(report.OverQuota))
		return writeSuccess(w, "Synchronization completed.", report)
	}
	return &HTTPError{StatusCode: http.StatusBadRequest, Message: "unknown command " + req.Resource + "/" + req.Action}
}

func (a *Agent) startSchedulers(ctx context.Context) {
	interval, err := time.ParseDuration(a.config.SyncInterval)
	if err != nil || interval <= 0 {
		interval = 5 * time.Minute
	}
	syncTicker := time.NewTicker(interval)
	defer syncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			report := a.store.Sync()
			if n := len(report.Expired) + len(report.OverQuota); n > 0 {
				logger.Infof("[sync] removed %d clients", n)
			}
		}
	}
}

// writeSuccess encodes data as a JSON string inside the envelope, the shape
// older agents emit and the panel unwraps.
func writeSuccess(w http.ResponseWriter, message string, data any) error {
	if data == nil {
		return writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": message})
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": message, "data": string(encoded)})
}

func writeJSON(w http.ResponseWriter, status int, body any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}
