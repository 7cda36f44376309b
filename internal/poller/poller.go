// Package poller refreshes cached agent state. A focused loop runs per view
// for the server on screen; roster rounds refresh every server on a slower
// cadence or on demand.
package poller

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"candy-panel/internal/fleeterr"
	"candy-panel/internal/model"
	"candy-panel/internal/transport"
	"candy-panel/logger"
	"candy-panel/util/common"

	"go.uber.org/atomic"
)

type registry interface {
	List(ctx context.Context) ([]model.Server, error)
	SetStatus(ctx context.Context, id uint, status model.ServerStatus, snapshot *model.DashboardSnapshot) error
	SetClients(id uint, clients []model.Client)
	SetInterfaces(id uint, interfaces []model.Interface)
}

type Options struct {
	FocusInterval time.Duration
}

// fetchSet selects which resources a poll reads.
type fetchSet struct {
	clients    bool
	interfaces bool
}

var (
	rosterFetch = fetchSet{clients: true}
	focusFetch  = fetchSet{clients: true, interfaces: true}
)

// errPollPanicked marks a poll that panicked; it maps to no status.
var errPollPanicked = common.NewError("poll panicked")

type pollResult struct {
	serverID   uint
	seq        uint64
	err        error
	snapshot   *model.DashboardSnapshot
	clients    []model.Client
	interfaces []model.Interface
	clientsOK  bool
	ifacesOK   bool
}

type view struct {
	serverID uint
	cancel   context.CancelFunc
	done     chan struct{}
}

// Stats are cumulative counters since start.
type Stats struct {
	Rounds      int64 `json:"rounds"`
	Polls       int64 `json:"polls"`
	Failures    int64 `json:"failures"`
	Cancelled   int64 `json:"cancelled"`
	Stale       int64 `json:"stale"`
	ActiveViews int   `json:"active_views"`
}

type Poller struct {
	registry registry
	dialer   transport.Dialer
	opts     Options

	trigger chan struct{}

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	views    map[string]*view
	inflight map[uint]map[uint64]context.CancelFunc
	nextID   uint64

	// applyMu orders result application; applied holds the newest poll
	// sequence recorded per server.
	applyMu sync.Mutex
	applied map[uint]uint64

	rounds    atomic.Int64
	polls     atomic.Int64
	failures  atomic.Int64
	cancelled atomic.Int64
	stale     atomic.Int64
}

func New(reg registry, dialer transport.Dialer, opts Options) *Poller {
	if opts.FocusInterval <= 0 {
		opts.FocusInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		registry: reg,
		dialer:   dialer,
		opts:     opts,
		trigger:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		views:    make(map[string]*view),
		inflight: make(map[uint]map[uint64]context.CancelFunc),
		applied:  make(map[uint]uint64),
	}
}

// Start runs roster rounds on TriggerRoster until ctx is done or Stop is
// called. The first round starts immediately; the periodic cadence comes
// from whoever calls TriggerRoster (the panel's cron job).
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	parent := p.ctx
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-parent.Done():
		}
	}()

	go func() {
		go p.rosterRound(parent)
		for {
			select {
			case <-parent.Done():
				return
			case <-p.trigger:
				go p.rosterRound(parent)
			}
		}
	}()
}

// Stop cancels every view and in-flight poll.
func (p *Poller) Stop() {
	p.mu.Lock()
	views := p.views
	p.views = make(map[string]*view)
	p.mu.Unlock()
	for _, v := range views {
		v.cancel()
	}
	p.cancel()
}

// TriggerRoster asks for a roster refresh without waiting for it.
func (p *Poller) TriggerRoster() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// RefreshRoster polls every server once and returns after all results are applied.
func (p *Poller) RefreshRoster(ctx context.Context) error {
	return p.roster(ctx)
}

func (p *Poller) rosterRound(ctx context.Context) {
	defer common.Recover("roster round")
	if err := p.roster(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warning("roster refresh failed:", err)
	}
}

func (p *Poller) roster(ctx context.Context) error {
	servers, err := p.registry.List(ctx)
	if err != nil {
		return err
	}
	ids := make([]uint, 0, len(servers))
	for _, s := range servers {
		ids = append(ids, s.ID)
	}
	p.round(ctx, ids, rosterFetch)
	return nil
}

// Focus points viewID at serverID, replacing whatever the view watched before.
// The first round starts immediately.
func (p *Poller) Focus(viewID string, serverID uint) {
	p.mu.Lock()
	if v, ok := p.views[viewID]; ok {
		if v.serverID == serverID {
			p.mu.Unlock()
			return
		}
		v.cancel()
	}
	ctx, cancel := context.WithCancel(p.ctx)
	v := &view{serverID: serverID, cancel: cancel, done: make(chan struct{})}
	p.views[viewID] = v
	p.mu.Unlock()

	logger.Debugf("view %s focused on server %d", viewID, serverID)
	go p.runFocus(ctx, v)
}

// Focused returns the server a view is watching.
func (p *Poller) Focused(viewID string) (uint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.views[viewID]
	if !ok {
		return 0, false
	}
	return v.serverID, true
}

// CloseView cancels the focused loop and in-flight polls of viewID only.
func (p *Poller) CloseView(viewID string) {
	p.mu.Lock()
	v, ok := p.views[viewID]
	delete(p.views, viewID)
	p.mu.Unlock()
	if ok {
		v.cancel()
		logger.Debugf("view %s closed", viewID)
	}
}

// ServerDeleted cancels in-flight polls and focused loops for a removed server.
func (p *Poller) ServerDeleted(serverID uint) {
	p.mu.Lock()
	for _, cancel := range p.inflight[serverID] {
		cancel()
	}
	delete(p.inflight, serverID)
	for id, v := range p.views {
		if v.serverID == serverID {
			v.cancel()
			delete(p.views, id)
		}
	}
	p.mu.Unlock()

	p.applyMu.Lock()
	delete(p.applied, serverID)
	p.applyMu.Unlock()
}

// Check fetches one server's snapshot now and records the outcome. Errors
// that imply no status (unknown server, cancellation) are returned as is.
func (p *Poller) Check(ctx context.Context, serverID uint) error {
	res := p.poll(ctx, serverID, fetchSet{})
	if errors.Is(res.err, context.Canceled) {
		return res.err
	}
	if _, ok := transport.StatusFor(res.err); !ok {
		return res.err
	}
	p.apply(ctx, res)
	return nil
}

func (p *Poller) Stats() Stats {
	p.mu.Lock()
	active := len(p.views)
	p.mu.Unlock()
	return Stats{
		Rounds:      p.rounds.Load(),
		Polls:       p.polls.Load(),
		Failures:    p.failures.Load(),
		Cancelled:   p.cancelled.Load(),
		Stale:       p.stale.Load(),
		ActiveViews: active,
	}
}

func (p *Poller) runFocus(ctx context.Context, v *view) {
	defer close(v.done)
	defer common.Recover("focus loop")
	ticker := time.NewTicker(p.opts.FocusInterval)
	defer ticker.Stop()

	ids := []uint{v.serverID}
	go p.round(ctx, ids, focusFetch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go p.round(ctx, ids, focusFetch)
		}
	}
}

// round fans out one poll per server and applies results as they arrive, so
// a slow server never delays another server's update.
func (p *Poller) round(ctx context.Context, ids []uint, set fetchSet) {
	p.rounds.Inc()
	results := make(chan pollResult, len(ids))
	for _, id := range ids {
		go func(id uint) {
			res := pollResult{serverID: id, err: errPollPanicked}
			defer func() { results <- res }()
			defer common.Recover("poll of server " + strconv.FormatUint(uint64(id), 10))
			res = p.poll(ctx, id, set)
		}(id)
	}
	for range ids {
		p.apply(ctx, <-results)
	}
}

func (p *Poller) poll(ctx context.Context, serverID uint, set fetchSet) pollResult {
	p.polls.Inc()
	ctx, seq, done := p.track(ctx, serverID)
	defer done()
	res := pollResult{serverID: serverID, seq: seq}

	agent, err := p.dialer.Agent(serverID)
	if err != nil {
		res.err = err
		return res
	}

	var wg sync.WaitGroup
	var snapErr, clientsErr, ifacesErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		res.snapshot, snapErr = agent.FetchSnapshot(ctx)
	}()
	if set.clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res.clients, clientsErr = agent.FetchClients(ctx)
		}()
	}
	if set.interfaces {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res.interfaces, ifacesErr = agent.FetchInterfaces(ctx)
		}()
	}
	wg.Wait()

	res.clientsOK = set.clients && clientsErr == nil
	res.ifacesOK = set.interfaces && ifacesErr == nil
	res.err = firstError(snapErr, clientsErr, ifacesErr)
	if snapErr != nil {
		res.snapshot = nil
	}
	return res
}

// track registers a cancel func so ServerDeleted can abort the poll. The
// returned sequence orders polls by start time.
func (p *Poller) track(ctx context.Context, serverID uint) (context.Context, uint64, func()) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.nextID++
	token := p.nextID
	if p.inflight[serverID] == nil {
		p.inflight[serverID] = make(map[uint64]context.CancelFunc)
	}
	p.inflight[serverID][token] = cancel
	p.mu.Unlock()

	return ctx, token, func() {
		p.mu.Lock()
		if m := p.inflight[serverID]; m != nil {
			delete(m, token)
			if len(m) == 0 {
				delete(p.inflight, serverID)
			}
		}
		p.mu.Unlock()
		cancel()
	}
}

func (p *Poller) apply(ctx context.Context, res pollResult) {
	if ctx.Err() != nil || errors.Is(res.err, context.Canceled) {
		p.cancelled.Inc()
		return
	}
	status, ok := transport.StatusFor(res.err)
	if !ok {
		// Not a transport outcome (e.g. the server vanished before dialing).
		logger.Debugf("poll of server %d skipped: %v", res.serverID, res.err)
		return
	}

	p.applyMu.Lock()
	defer p.applyMu.Unlock()
	if res.seq <= p.applied[res.serverID] {
		// a poll that started later already landed
		p.stale.Inc()
		return
	}
	p.applied[res.serverID] = res.seq

	if res.err != nil {
		p.failures.Inc()
		logger.Debugf("poll of server %d failed: %v", res.serverID, res.err)
	}

	if res.clientsOK {
		p.registry.SetClients(res.serverID, res.clients)
	}
	if res.ifacesOK {
		p.registry.SetInterfaces(res.serverID, res.interfaces)
	}
	if err := p.registry.SetStatus(ctx, res.serverID, status, res.snapshot); err != nil {
		if fleeterr.Is(err, fleeterr.KindNotFound) {
			return
		}
		logger.Warningf("record status of server %d: %v", res.serverID, err)
	}
}

// firstError returns the first classified failure, preferring the snapshot.
func firstError(errs ...error) error {
	for _, err := range errs {
		if errors.Is(err, context.Canceled) {
			return err
		}
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
