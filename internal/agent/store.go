package agent

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	agentconfig "candy-panel/internal/agent/config"
	"candy-panel/internal/model"

	"go.uber.org/atomic"
	"golang.org/x/crypto/curve25519"
)

const maxAlerts = 20

var expiryLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// StoreError is a request-level failure the handlers report as 400 or 404.
type StoreError struct {
	NotFound bool
	Message  string
}

func (e *StoreError) Error() string { return e.Message }

func badRequest(format string, args ...any) error {
	return &StoreError{Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) error {
	return &StoreError{NotFound: true, Message: fmt.Sprintf(format, args...)}
}

type trafficCounter struct {
	download atomic.Int64
	upload   atomic.Int64
}

type ifaceEntry struct {
	model.Interface
	prefix netip.Prefix
}

// ClientInput carries create/update fields. Nil pointers leave a field unchanged.
type ClientInput struct {
	Name    string
	WG      int
	Expires *string
	Traffic *string
	Note    *string
	Status  *bool
}

type CreatedClient struct {
	ClientConfig string `json:"client_config"`
	PublicKey    string `json:"public_key"`
	PrivateKey   string `json:"private_key"`
	Address      string `json:"address"`
}

type CreatedInterface struct {
	WG         int    `json:"wg_id"`
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

// SyncReport lists the clients removed by a sync pass.
type SyncReport struct {
	Expired   []string `json:"expired"`
	OverQuota []string `json:"over_quota"`
}

// Store is the agent's in-memory WireGuard state.
type Store struct {
	serverIP string
	dns      string
	mtu      int
	now      func() time.Time

	mu         sync.RWMutex
	interfaces map[int]*ifaceEntry
	clients    map[string]*model.Client
	traffic    map[string]*trafficCounter
	alerts     []string
}

func NewStore(cfg *agentconfig.Config) (*Store, error) {
	s := &Store{
		serverIP:   cfg.ServerIP,
		dns:        cfg.DNS,
		mtu:        cfg.MTU,
		now:        time.Now,
		interfaces: make(map[int]*ifaceEntry),
		clients:    make(map[string]*model.Client),
		traffic:    make(map[string]*trafficCounter),
	}
	for _, ic := range cfg.Interfaces {
		if _, err := s.addInterface(ic.WG, ic.AddressRange, ic.Port); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) addInterface(wg int, addressRange string, port int) (*CreatedInterface, error) {
	prefix, err := netip.ParsePrefix(addressRange)
	if err != nil || !prefix.Addr().Is4() {
		return nil, badRequest("invalid address range %q", addressRange)
	}
	if port <= 0 || port > 65535 {
		return nil, badRequest("invalid port %d", port)
	}
	for _, e := range s.interfaces {
		if int(e.Port) == port {
			return nil, badRequest("port %d already used by wg%d", port, e.WG)
		}
	}
	priv, pub, err := generateKeypair()
	if err != nil {
		return nil, err
	}
	s.interfaces[wg] = &ifaceEntry{
		Interface: model.Interface{
			WG:           model.FlexInt(wg),
			AddressRange: addressRange,
			Port:         model.FlexInt(port),
			PublicKey:    pub,
			PrivateKey:   priv,
			Status:       true,
		},
		prefix: prefix,
	}
	return &CreatedInterface{WG: wg, PrivateKey: priv, PublicKey: pub}, nil
}

func (s *Store) Interfaces() []model.Interface {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Interface, 0, len(s.interfaces))
	for _, e := range s.interfaces {
		out = append(out, e.Interface)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WG < out[j].WG })
	return out
}

// Clients returns every client with its current traffic counters folded in.
func (s *Store) Clients() []model.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, s.withTraffic(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) withTraffic(c *model.Client) model.Client {
	out := *c
	if tc, ok := s.traffic[c.PublicKey]; ok {
		out.UsedTraffic = model.UsedTraffic{Download: tc.download.Load(), Upload: tc.upload.Load()}
	}
	return out
}

func (s *Store) Client(name string) (model.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[name]
	if !ok {
		return model.Client{}, notFound("client %q not found", name)
	}
	return s.withTraffic(c), nil
}

func (s *Store) CreateClient(in ClientInput) (*CreatedClient, error) {
	if in.Name == "" {
		return nil, badRequest("client name is required")
	}
	expires := ""
	if in.Expires != nil {
		if *in.Expires != "" {
			if _, err := parseExpiry(*in.Expires); err != nil {
				return nil, badRequest("invalid expires %q", *in.Expires)
			}
		}
		expires = *in.Expires
	}
	traffic := "0"
	if in.Traffic != nil && *in.Traffic != "" {
		if _, err := strconv.ParseInt(*in.Traffic, 10, 64); err != nil {
			return nil, badRequest("traffic must be a byte count")
		}
		traffic = *in.Traffic
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[in.Name]; ok {
		return nil, badRequest("client with this name already exists")
	}
	iface, ok := s.interfaces[in.WG]
	if !ok {
		return nil, notFound("interface wg%d not found", in.WG)
	}
	addr, err := s.nextAddress(iface)
	if err != nil {
		return nil, err
	}
	priv, pub, err := generateKeypair()
	if err != nil {
		return nil, err
	}

	c := &model.Client{
		Name:       in.Name,
		WG:         model.FlexInt(in.WG),
		PublicKey:  pub,
		PrivateKey: priv,
		Address:    addr,
		CreatedAt:  s.now().Format("2006-01-02T15:04:05"),
		Expires:    expires,
		Traffic:    model.FlexString(traffic),
		Status:     true,
	}
	if in.Note != nil {
		c.Note = *in.Note
	}
	s.clients[c.Name] = c
	s.traffic[pub] = &trafficCounter{}

	return &CreatedClient{
		ClientConfig: s.renderConfig(c, iface),
		PublicKey:    pub,
		PrivateKey:   priv,
		Address:      addr,
	}, nil
}

func (s *Store) UpdateClient(in ClientInput) error {
	if in.Name == "" {
		return badRequest("client name is required")
	}
	if in.Expires != nil && *in.Expires != "" {
		if _, err := parseExpiry(*in.Expires); err != nil {
			return badRequest("invalid expires %q", *in.Expires)
		}
	}
	if in.Traffic != nil && *in.Traffic != "" {
		if _, err := strconv.ParseInt(*in.Traffic, 10, 64); err != nil {
			return badRequest("traffic must be a byte count")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[in.Name]
	if !ok {
		return notFound("client %q not found", in.Name)
	}
	if in.Expires != nil {
		c.Expires = *in.Expires
	}
	if in.Traffic != nil {
		c.Traffic = model.FlexString(*in.Traffic)
	}
	if in.Note != nil {
		c.Note = *in.Note
	}
	if in.Status != nil {
		c.Status = model.FlexBool(*in.Status)
	}
	return nil
}

func (s *Store) DeleteClient(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[name]
	if !ok {
		return notFound("client %q not found", name)
	}
	s.removeClient(c)
	return nil
}

func (s *Store) removeClient(c *model.Client) {
	delete(s.clients, c.Name)
	delete(s.traffic, c.PublicKey)
}

func (s *Store) ClientConfig(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[name]
	if !ok {
		return "", notFound("client not found")
	}
	iface, ok := s.interfaces[int(c.WG)]
	if !ok {
		return "", notFound("interface wg%d not found", c.WG)
	}
	return s.renderConfig(c, iface), nil
}

func (s *Store) renderConfig(c *model.Client, iface *ifaceEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\nPrivateKey = %s\nAddress = %s/32\nDNS = %s\nMTU = %d\n\n", c.PrivateKey, c.Address, s.dns, s.mtu)
	fmt.Fprintf(&b, "[Peer]\nPublicKey = %s\nEndpoint = %s:%d\nAllowedIPs = 0.0.0.0/0, ::/0\nPersistentKeepalive = 25\n", iface.PublicKey, s.serverIP, iface.Port)
	return b.String()
}

// nextAddress returns the lowest free host address after the interface's own.
func (s *Store) nextAddress(iface *ifaceEntry) (string, error) {
	used := make(map[string]bool)
	for _, c := range s.clients {
		if int(c.WG) == int(iface.WG) {
			used[c.Address] = true
		}
	}
	network := iface.prefix.Masked()
	for a := network.Addr().Next(); network.Contains(a); a = a.Next() {
		if a == iface.prefix.Addr() || used[a.String()] {
			continue
		}
		// skip the broadcast address
		if !network.Contains(a.Next()) {
			break
		}
		return a.String(), nil
	}
	return "", badRequest("no available ip addresses in %s", iface.AddressRange)
}

func (s *Store) CreateInterface(addressRange string, port int) (*CreatedInterface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wg := 0
	for {
		if _, ok := s.interfaces[wg]; !ok {
			break
		}
		wg++
	}
	return s.addInterface(wg, addressRange, port)
}

func (s *Store) UpdateInterface(wg int, addressRange *string, port *int, status *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.interfaces[wg]
	if !ok {
		return notFound("interface wg%d not found", wg)
	}
	if addressRange != nil {
		prefix, err := netip.ParsePrefix(*addressRange)
		if err != nil || !prefix.Addr().Is4() {
			return badRequest("invalid address range %q", *addressRange)
		}
		e.prefix = prefix
		e.AddressRange = *addressRange
	}
	if port != nil {
		if *port <= 0 || *port > 65535 {
			return badRequest("invalid port %d", *port)
		}
		e.Port = model.FlexInt(*port)
	}
	if status != nil {
		e.Status = model.FlexBool(*status)
	}
	return nil
}

func (s *Store) DeleteInterface(wg int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.interfaces[wg]; !ok {
		return notFound("interface wg%d not found", wg)
	}
	for _, c := range s.clients {
		if int(c.WG) == wg {
			return badRequest("interface wg%d still has clients", wg)
		}
	}
	delete(s.interfaces, wg)
	return nil
}

// RecordTraffic adds observed bytes to a peer's cumulative counters.
func (s *Store) RecordTraffic(publicKey string, download, upload int64) {
	s.mu.RLock()
	tc, ok := s.traffic[publicKey]
	s.mu.RUnlock()
	if !ok {
		return
	}
	tc.download.Add(download)
	tc.upload.Add(upload)
}

// TotalTraffic is the sum of every peer's counters in bytes.
func (s *Store) TotalTraffic() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, tc := range s.traffic {
		total += tc.download.Load() + tc.upload.Load()
	}
	return total
}

// Sync removes clients that expired or used up their traffic quota.
func (s *Store) Sync() SyncReport {
	now := s.now()
	report := SyncReport{Expired: []string{}, OverQuota: []string{}}

	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c := s.clients[name]
		if c.Expires != "" {
			if exp, err := parseExpiry(c.Expires); err == nil && !now.Before(exp) {
				report.Expired = append(report.Expired, name)
				s.addAlert(fmt.Sprintf("client %s expired", name))
				s.removeClient(c)
				continue
			}
		}
		limit, err := strconv.ParseInt(string(c.Traffic), 10, 64)
		if err != nil || limit <= 0 {
			continue
		}
		if tc, ok := s.traffic[c.PublicKey]; ok && tc.download.Load()+tc.upload.Load() >= limit {
			report.OverQuota = append(report.OverQuota, name)
			s.addAlert(fmt.Sprintf("client %s exceeded traffic limit", name))
			s.removeClient(c)
		}
	}
	return report
}

func (s *Store) addAlert(msg string) {
	s.alerts = append(s.alerts, msg)
	if len(s.alerts) > maxAlerts {
		s.alerts = s.alerts[len(s.alerts)-maxAlerts:]
	}
}

func (s *Store) Alerts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.alerts...)
}

func (s *Store) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func parseExpiry(v string) (time.Time, error) {
	var lastErr error
	for _, layout := range expiryLayouts {
		t, err := time.ParseInLocation(layout, v, time.Local)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func generateKeypair() (private, public string, err error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return "", "", err
	}
	priv[0] &= 248
	priv[31] = (priv[31] & 127) | 64
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(priv[:]), base64.StdEncoding.EncodeToString(pub), nil
}
