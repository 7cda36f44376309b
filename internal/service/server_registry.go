package service

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"candy-panel/internal/credential"
	"candy-panel/internal/fleeterr"
	"candy-panel/internal/model"
	"candy-panel/internal/security"
	"candy-panel/logger"

	"gorm.io/gorm"
)

// RegisterRequest carries the fields accepted on registration.
type RegisterRequest struct {
	Name        string `json:"name"`
	IPAddress   string `json:"ip_address"`
	AgentPort   int    `json:"agent_port"`
	APIKey      string `json:"api_key"`
	Description string `json:"description"`
}

// ServerUpdate is a partial edit; nil fields are left untouched.
type ServerUpdate struct {
	Name        *string             `json:"name"`
	IPAddress   *string             `json:"ip_address"`
	AgentPort   *int                `json:"agent_port"`
	APIKey      *string             `json:"api_key"`
	Description *string             `json:"description"`
	Status      *model.ServerStatus `json:"status"`
}

// StatusChange is delivered to status observers after a transition.
type StatusChange struct {
	Server   model.Server
	Previous model.ServerStatus
}

// ServerClients pairs a server with its last fetched client list.
type ServerClients struct {
	Server  model.Server
	Clients []model.Client
}

type serverCache struct {
	snapshot   *model.DashboardSnapshot
	clients    []model.Client
	interfaces []model.Interface
	hasClients bool
}

// ServerRegistry owns server records and their cached agent state. Writes for
// one server id are serialized; reads return copies.
type ServerRegistry struct {
	db    *gorm.DB
	creds *credential.Store
	locks keyedMutex

	mu     sync.RWMutex
	caches map[uint]*serverCache

	hookMu         sync.RWMutex
	onDelete       []func(id uint)
	onStatusChange []func(StatusChange)
}

func NewServerRegistry(db *gorm.DB, creds *credential.Store) *ServerRegistry {
	return &ServerRegistry{
		db:     db,
		creds:  creds,
		locks:  keyedMutex{m: make(map[uint]*keyedEntry)},
		caches: make(map[uint]*serverCache),
	}
}

// Load fills the credential store and cache slots from the database.
func (r *ServerRegistry) Load(ctx context.Context) error {
	var servers []model.Server
	if err := r.db.WithContext(ctx).Order("id").Find(&servers).Error; err != nil {
		return err
	}
	r.mu.Lock()
	for _, s := range servers {
		r.creds.Put(s.ID, s.IPAddress, s.AgentPort, s.APIKey)
		if _, ok := r.caches[s.ID]; !ok {
			r.caches[s.ID] = &serverCache{}
		}
	}
	r.mu.Unlock()
	logger.Infof("server registry loaded %d servers", len(servers))
	return nil
}

// OnDelete registers fn to run after a server is removed.
func (r *ServerRegistry) OnDelete(fn func(id uint)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onDelete = append(r.onDelete, fn)
}

// OnStatusChange registers fn to run after a server's status changes.
func (r *ServerRegistry) OnStatusChange(fn func(StatusChange)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onStatusChange = append(r.onStatusChange, fn)
}

func (r *ServerRegistry) Register(ctx context.Context, req RegisterRequest) (*model.Server, error) {
	const op = "register server"
	req.Name = strings.TrimSpace(req.Name)
	req.IPAddress = strings.TrimSpace(req.IPAddress)
	req.APIKey = strings.TrimSpace(req.APIKey)

	if err := validateAddress(op, req.IPAddress, req.AgentPort); err != nil {
		return nil, err
	}
	if req.APIKey == "" {
		return nil, fleeterr.Validation(op, "api key is required")
	}
	if req.Name == "" {
		req.Name = req.IPAddress
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&model.Server{}).
		Where("ip_address = ? AND agent_port = ?", req.IPAddress, req.AgentPort).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fleeterr.Validation(op, "a server at %s:%d is already registered", req.IPAddress, req.AgentPort)
	}

	server := &model.Server{
		Name:           req.Name,
		IPAddress:      req.IPAddress,
		AgentPort:      req.AgentPort,
		APIKey:         req.APIKey,
		KeyFingerprint: security.Fingerprint(req.APIKey),
		Status:         model.ServerStatusInactive,
		Description:    req.Description,
	}
	if err := r.db.WithContext(ctx).Create(server).Error; err != nil {
		return nil, err
	}

	r.creds.Put(server.ID, server.IPAddress, server.AgentPort, server.APIKey)
	r.mu.Lock()
	r.caches[server.ID] = &serverCache{}
	r.mu.Unlock()

	logger.Infof("registered server %d (%s) at %s:%d key=%s", server.ID, server.Name, server.IPAddress, server.AgentPort, server.KeyFingerprint)
	return redact(server), nil
}

func validateAddress(op, ip string, port int) error {
	if ip == "" {
		return fleeterr.Validation(op, "ip address is required")
	}
	if strings.ContainsAny(ip, " /") {
		return fleeterr.Validation(op, "invalid ip address %q", ip)
	}
	if net.ParseIP(ip) == nil && !validHostname(ip) {
		return fleeterr.Validation(op, "invalid ip address %q", ip)
	}
	if port <= 0 || port > 65535 {
		return fleeterr.Validation(op, "agent port must be between 1 and 65535")
	}
	return nil
}

func validHostname(host string) bool {
	if len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, ch := range label {
			if !(ch == '-' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9') {
				return false
			}
		}
	}
	return true
}

// List returns every server in roster order with its cached snapshot attached.
func (r *ServerRegistry) List(ctx context.Context) ([]model.Server, error) {
	var servers []model.Server
	if err := r.db.WithContext(ctx).Order("id").Find(&servers).Error; err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range servers {
		servers[i].APIKey = ""
		if c, ok := r.caches[servers[i].ID]; ok {
			servers[i].DashboardCache = c.snapshot.Clone()
		}
	}
	return servers, nil
}

func (r *ServerRegistry) Get(ctx context.Context, id uint) (*model.Server, error) {
	server, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	if c, ok := r.caches[id]; ok {
		server.DashboardCache = c.snapshot.Clone()
	}
	r.mu.RUnlock()
	return redact(server), nil
}

func (r *ServerRegistry) load(ctx context.Context, id uint) (*model.Server, error) {
	var server model.Server
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&server).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fleeterr.NotFound("get server", "server %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &server, nil
}

func (r *ServerRegistry) Update(ctx context.Context, id uint, upd ServerUpdate) (*model.Server, error) {
	const op = "update server"
	unlock := r.locks.Lock(id)
	defer unlock()

	server, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	previous := server.Status

	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fleeterr.Validation(op, "name must not be empty")
		}
		server.Name = name
	}
	if upd.IPAddress != nil {
		server.IPAddress = strings.TrimSpace(*upd.IPAddress)
	}
	if upd.AgentPort != nil {
		server.AgentPort = *upd.AgentPort
	}
	if err := validateAddress(op, server.IPAddress, server.AgentPort); err != nil {
		return nil, err
	}
	if upd.APIKey != nil && strings.TrimSpace(*upd.APIKey) != "" {
		server.APIKey = strings.TrimSpace(*upd.APIKey)
		server.KeyFingerprint = security.Fingerprint(server.APIKey)
	}
	if upd.Description != nil {
		server.Description = *upd.Description
	}
	if upd.Status != nil {
		if !upd.Status.Valid() {
			return nil, fleeterr.Validation(op, "invalid status %q", *upd.Status)
		}
		server.Status = *upd.Status
	}

	if err := r.db.WithContext(ctx).Model(&model.Server{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"name":            server.Name,
			"ip_address":      server.IPAddress,
			"agent_port":      server.AgentPort,
			"api_key":         server.APIKey,
			"key_fingerprint": server.KeyFingerprint,
			"description":     server.Description,
			"status":          server.Status,
		}).Error; err != nil {
		return nil, err
	}
	r.creds.Put(server.ID, server.IPAddress, server.AgentPort, server.APIKey)

	if server.Status != previous {
		r.fireStatusChange(*server, previous)
	}
	r.mu.RLock()
	if c, ok := r.caches[id]; ok {
		server.DashboardCache = c.snapshot.Clone()
	}
	r.mu.RUnlock()
	return redact(server), nil
}

// Delete removes the record, its credential and all cached state. Deleting a
// missing server is not an error.
func (r *ServerRegistry) Delete(ctx context.Context, id uint) error {
	unlock := r.locks.Lock(id)
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Server{})
	if res.Error != nil {
		unlock()
		return res.Error
	}
	r.creds.Delete(id)
	r.mu.Lock()
	delete(r.caches, id)
	r.mu.Unlock()
	unlock()

	if res.RowsAffected > 0 {
		logger.Infof("deleted server %d", id)
	}
	r.hookMu.RLock()
	hooks := append([]func(uint){}, r.onDelete...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
	return nil
}

// SetStatus records a transport outcome. An active status also stamps
// last_synced. A non-nil snapshot replaces the cached one; a nil snapshot
// leaves the last good snapshot in place.
func (r *ServerRegistry) SetStatus(ctx context.Context, id uint, status model.ServerStatus, snapshot *model.DashboardSnapshot) error {
	if !status.Valid() {
		return fleeterr.Validation("set status", "invalid status %q", status)
	}
	unlock := r.locks.Lock(id)
	defer unlock()

	var server model.Server
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&server).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fleeterr.NotFound("set status", "server %d not found", id)
	}
	if err != nil {
		return err
	}
	previous := server.Status

	updates := map[string]interface{}{"status": status}
	if status == model.ServerStatusActive {
		now := time.Now()
		updates["last_synced"] = now
		server.LastSynced = &now
	}
	if err := r.db.WithContext(ctx).Model(&model.Server{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return err
	}
	server.Status = status

	if snapshot != nil {
		r.mu.Lock()
		if c, ok := r.caches[id]; ok {
			c.snapshot = snapshot.Clone()
		}
		r.mu.Unlock()
	}

	if previous != status {
		logger.Infof("server %d status %s -> %s", id, previous, status)
		r.fireStatusChange(server, previous)
	}
	return nil
}

// SetClients replaces the cached client list of a server.
func (r *ServerRegistry) SetClients(id uint, clients []model.Client) {
	unlock := r.locks.Lock(id)
	defer unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches[id]; ok {
		c.clients = append([]model.Client(nil), clients...)
		c.hasClients = true
	}
}

// SetInterfaces replaces the cached interface list of a server.
func (r *ServerRegistry) SetInterfaces(id uint, interfaces []model.Interface) {
	unlock := r.locks.Lock(id)
	defer unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches[id]; ok {
		c.interfaces = append([]model.Interface(nil), interfaces...)
	}
}

func (r *ServerRegistry) Snapshot(id uint) (*model.DashboardSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caches[id]
	if !ok || c.snapshot == nil {
		return nil, false
	}
	return c.snapshot.Clone(), true
}

func (r *ServerRegistry) Clients(id uint) ([]model.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caches[id]
	if !ok || !c.hasClients {
		return nil, false
	}
	return append([]model.Client(nil), c.clients...), true
}

func (r *ServerRegistry) Interfaces(id uint) ([]model.Interface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caches[id]
	if !ok || c.interfaces == nil {
		return nil, false
	}
	return append([]model.Interface(nil), c.interfaces...), true
}

// CachedClients returns the cached client lists of every server in roster order.
func (r *ServerRegistry) CachedClients(ctx context.Context) ([]ServerClients, error) {
	servers, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ServerClients, 0, len(servers))
	for _, s := range servers {
		clients, ok := r.Clients(s.ID)
		if !ok {
			continue
		}
		out = append(out, ServerClients{Server: s, Clients: clients})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Server.ID < out[j].Server.ID })
	return out, nil
}

func (r *ServerRegistry) fireStatusChange(server model.Server, previous model.ServerStatus) {
	server.APIKey = ""
	r.hookMu.RLock()
	hooks := append([]func(StatusChange){}, r.onStatusChange...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(StatusChange{Server: server, Previous: previous})
	}
}

func redact(s *model.Server) *model.Server {
	s.APIKey = ""
	return s
}

// keyedMutex hands out one mutex per server id. An entry lives only while
// someone holds or waits for it.
type keyedMutex struct {
	mu sync.Mutex
	m  map[uint]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(id uint) func() {
	k.mu.Lock()
	e, ok := k.m[id]
	if !ok {
		e = &keyedEntry{}
		k.m[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}
