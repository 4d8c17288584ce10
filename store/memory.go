package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/nanoncore/nano-reconciler/model"
)

// Memory is an in-process Store used by tests and the mock deployment.
// Rows are copied in and out so callers never share state with it.
type Memory struct {
	txMu sync.Mutex // serializes WithTx
	mu   sync.RWMutex
	s    memState
}

type memState struct {
	nodes       map[int64]model.ServiceNode
	customers   map[int64]model.Customer
	devices     map[int64]model.CustomerDevice
	requests    map[int64]model.ServiceRequest
	outages     map[int64]model.Outage
	tickets     []model.Ticket
	healthLogs  []model.NodeHealthLog
	traffic     []model.TrafficMetric
	radius      map[string]RadiusUser
	failedTasks []model.FailedTask
	seq         int64
}

// NewMemory returns an empty store
func NewMemory() *Memory {
	return &Memory{s: memState{
		nodes:     make(map[int64]model.ServiceNode),
		customers: make(map[int64]model.Customer),
		devices:   make(map[int64]model.CustomerDevice),
		requests:  make(map[int64]model.ServiceRequest),
		outages:   make(map[int64]model.Outage),
		radius:    make(map[string]RadiusUser),
	}}
}

func (m *Memory) nextID() int64 {
	m.s.seq++
	return m.s.seq
}

// cloneMap deep-copies a JSON document
func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

func (s memState) clone() memState {
	c := memState{
		nodes:       make(map[int64]model.ServiceNode, len(s.nodes)),
		customers:   make(map[int64]model.Customer, len(s.customers)),
		devices:     make(map[int64]model.CustomerDevice, len(s.devices)),
		requests:    make(map[int64]model.ServiceRequest, len(s.requests)),
		outages:     make(map[int64]model.Outage, len(s.outages)),
		tickets:     append([]model.Ticket(nil), s.tickets...),
		healthLogs:  append([]model.NodeHealthLog(nil), s.healthLogs...),
		traffic:     append([]model.TrafficMetric(nil), s.traffic...),
		radius:      make(map[string]RadiusUser, len(s.radius)),
		failedTasks: append([]model.FailedTask(nil), s.failedTasks...),
		seq:         s.seq,
	}
	for k, v := range s.nodes {
		v.Metadata = cloneMap(v.Metadata)
		c.nodes[k] = v
	}
	for k, v := range s.customers {
		c.customers[k] = v
	}
	for k, v := range s.devices {
		v.Metadata = cloneMap(v.Metadata)
		c.devices[k] = v
	}
	for k, v := range s.requests {
		v.Details = cloneMap(v.Details)
		c.requests[k] = v
	}
	for k, v := range s.outages {
		c.outages[k] = v
	}
	for k, v := range s.radius {
		c.radius[k] = v
	}
	return c
}

// AddNode inserts a node and assigns its id when zero
func (m *Memory) AddNode(n model.ServiceNode) model.ServiceNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == 0 {
		n.ID = m.nextID()
	} else if n.ID > m.s.seq {
		m.s.seq = n.ID
	}
	if n.Status == "" {
		n.Status = model.NodeStatusActive
	}
	n.Metadata = cloneMap(n.Metadata)
	m.s.nodes[n.ID] = n
	return n
}

// AddCustomer inserts a customer and assigns its id when zero
func (m *Memory) AddCustomer(c model.Customer) model.Customer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		c.ID = m.nextID()
	} else if c.ID > m.s.seq {
		m.s.seq = c.ID
	}
	m.s.customers[c.ID] = c
	return c
}

// AddDevice inserts a device and assigns its id when zero
func (m *Memory) AddDevice(d model.CustomerDevice) model.CustomerDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == 0 {
		d.ID = m.nextID()
	} else if d.ID > m.s.seq {
		m.s.seq = d.ID
	}
	d.Metadata = cloneMap(d.Metadata)
	m.s.devices[d.ID] = d
	return d
}

// AddServiceRequest inserts a request and assigns its id when zero
func (m *Memory) AddServiceRequest(r model.ServiceRequest) model.ServiceRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == 0 {
		r.ID = m.nextID()
	} else if r.ID > m.s.seq {
		m.s.seq = r.ID
	}
	r.Details = cloneMap(r.Details)
	m.s.requests[r.ID] = r
	return r
}

func (m *Memory) Node(ctx context.Context, id int64) (*model.ServiceNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	n.Metadata = cloneMap(n.Metadata)
	return &n, nil
}

func (m *Memory) ListNodes(ctx context.Context, kind model.NodeKind) ([]model.ServiceNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.ServiceNode
	for _, n := range m.s.nodes {
		if kind == "" || n.Kind == kind {
			n.Metadata = cloneMap(n.Metadata)
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateNodeStatus(ctx context.Context, id int64, status model.NodeStatus, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}
	for k, v := range cloneMap(patch) {
		n.Metadata[k] = v
	}
	n.Status = status
	n.UpdatedAt = time.Now()
	m.s.nodes[id] = n
	return nil
}

func (m *Memory) Customer(ctx context.Context, id int64) (*model.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.s.customers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *Memory) customersWhere(match func(c model.Customer) bool) []model.Customer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Customer
	for _, c := range m.s.customers {
		if match(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) CustomersByNode(ctx context.Context, routerID int64) ([]model.Customer, error) {
	return m.customersWhere(func(c model.Customer) bool { return c.RouterID == routerID }), nil
}

func (m *Memory) CustomersByOLT(ctx context.Context, oltID int64) ([]model.Customer, error) {
	return m.customersWhere(func(c model.Customer) bool { return c.OLTID != nil && *c.OLTID == oltID }), nil
}

func (m *Memory) UpdateCustomer(ctx context.Context, c *model.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.s.customers[c.ID]; !ok {
		return ErrNotFound
	}
	cp := *c
	cp.UpdatedAt = time.Now()
	m.s.customers[c.ID] = cp
	return nil
}

func (m *Memory) devicesWhere(match func(d model.CustomerDevice) bool) []model.CustomerDevice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.CustomerDevice
	for _, d := range m.s.devices {
		if match(d) {
			d.Metadata = cloneMap(d.Metadata)
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) DevicesByOLT(ctx context.Context, oltID int64) ([]model.CustomerDevice, error) {
	return m.devicesWhere(func(d model.CustomerDevice) bool {
		return d.OLTID == oltID && d.Status != model.DeviceInactive
	}), nil
}

func (m *Memory) ActiveDevicesByOLT(ctx context.Context, oltID int64) ([]model.CustomerDevice, error) {
	m.mu.RLock()
	active := make(map[int64]bool, len(m.s.customers))
	for id, c := range m.s.customers {
		active[id] = c.Status == model.CustomerActive
	}
	m.mu.RUnlock()
	return m.devicesWhere(func(d model.CustomerDevice) bool {
		return d.OLTID == oltID && d.Status == model.DeviceActive && active[d.CustomerID]
	}), nil
}

func (m *Memory) DevicesByCustomer(ctx context.Context, customerID int64) ([]model.CustomerDevice, error) {
	return m.devicesWhere(func(d model.CustomerDevice) bool { return d.CustomerID == customerID }), nil
}

func (m *Memory) UpsertDevice(ctx context.Context, d *model.CustomerDevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	for id, existing := range m.s.devices {
		if existing.Serial == d.Serial {
			cp.ID = id
			meta := cloneMap(existing.Metadata)
			if meta == nil {
				meta = map[string]any{}
			}
			for k, v := range cloneMap(d.Metadata) {
				meta[k] = v
			}
			cp.Metadata = meta
			m.s.devices[id] = cp
			d.ID = id
			return nil
		}
	}
	cp.ID = m.nextID()
	cp.Metadata = cloneMap(d.Metadata)
	m.s.devices[cp.ID] = cp
	d.ID = cp.ID
	return nil
}

func (m *Memory) ServiceRequest(ctx context.Context, id int64) (*model.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	r.Details = cloneMap(r.Details)
	return &r, nil
}

func (m *Memory) CompleteServiceRequest(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.s.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = model.RequestCompleted
	r.CompletedAt = &at
	r.FailureReason = nil
	m.s.requests[id] = r
	return nil
}

func (m *Memory) FailServiceRequest(ctx context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.s.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = model.RequestFailed
	r.FailureReason = &reason
	m.s.requests[id] = r
	return nil
}

// WithTx snapshots the state and restores it if fn fails. Writes made
// outside the transaction while it runs are lost on rollback.
func (m *Memory) WithTx(ctx context.Context, fn func(tx Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snapshot := m.s.clone()
	m.mu.RUnlock()

	if err := fn(&memTx{m}); err != nil {
		m.mu.Lock()
		m.s = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// memTx is the store handed to WithTx callbacks; nested transactions run
// inline
type memTx struct{ *Memory }

func (t *memTx) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return fn(t)
}

func (m *Memory) CreateOutage(ctx context.Context, o *model.Outage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = m.nextID()
	m.s.outages[o.ID] = *o
	return nil
}

func (m *Memory) OpenOutages(ctx context.Context, nodeID int64) ([]model.Outage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Outage
	for _, o := range m.s.outages {
		if o.NodeID != nil && *o.NodeID == nodeID && o.Status != model.OutageResolved {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ResolveOutages(ctx context.Context, nodeID int64, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, o := range m.s.outages {
		if o.NodeID != nil && *o.NodeID == nodeID && o.Status != model.OutageResolved {
			o.Status = model.OutageResolved
			resolved := at
			o.ResolvedAt = &resolved
			m.s.outages[id] = o
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateTicket(ctx context.Context, t *model.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = m.nextID()
	m.s.tickets = append(m.s.tickets, *t)
	return nil
}

func (m *Memory) AppendHealthLog(ctx context.Context, l *model.NodeHealthLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = m.nextID()
	m.s.healthLogs = append(m.s.healthLogs, *l)
	return nil
}

func (m *Memory) AppendTrafficMetrics(ctx context.Context, metrics []model.TrafficMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range metrics {
		s.ID = m.nextID()
		m.s.traffic = append(m.s.traffic, s)
	}
	return nil
}

func (m *Memory) UpsertRadiusUser(ctx context.Context, u RadiusUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.radius[u.Username] = u
	return nil
}

func (m *Memory) RecordFailedTask(ctx context.Context, t *model.FailedTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = m.nextID()
	m.s.failedTasks = append(m.s.failedTasks, *t)
	return nil
}

// Outages returns every outage, for assertions
func (m *Memory) Outages() []model.Outage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Outage, 0, len(m.s.outages))
	for _, o := range m.s.outages {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tickets returns every ticket, for assertions
func (m *Memory) Tickets() []model.Ticket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Ticket(nil), m.s.tickets...)
}

// HealthLogs returns the health log series, for assertions
func (m *Memory) HealthLogs() []model.NodeHealthLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.NodeHealthLog(nil), m.s.healthLogs...)
}

// TrafficMetrics returns the traffic series, for assertions
func (m *Memory) TrafficMetrics() []model.TrafficMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.TrafficMetric(nil), m.s.traffic...)
}

// RadiusUser returns the AAA row for username
func (m *Memory) RadiusUser(username string) (RadiusUser, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.s.radius[username]
	return u, ok
}

// FailedTasks returns recorded hard failures, for assertions
func (m *Memory) FailedTasks() []model.FailedTask {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.FailedTask(nil), m.s.failedTasks...)
}

var _ Store = (*Memory)(nil)
