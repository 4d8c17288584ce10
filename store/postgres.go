package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nanoncore/nano-reconciler/model"
)

//go:embed schema.sql
var schema string

// Config holds Postgres connection settings
type Config struct {
	DSN      string `yaml:"dsn" mapstructure:"dsn"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns"`
	Retries  int    `yaml:"retries" mapstructure:"retries"`
}

var (
	pgRetryDelay  = 2 * time.Second
	pgPingTimeout = 2 * time.Second
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store on a pgx pool
type Postgres struct {
	pool *pgxpool.Pool
	db   querier
}

// NewPostgres opens a pool and pings it, retrying while the database
// comes up
func NewPostgres(ctx context.Context, cfg Config) (*Postgres, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	pcfg.MaxConnIdleTime = 5 * time.Minute

	retries := cfg.Retries
	if retries <= 0 {
		retries = 1
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		pool, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, pgPingTimeout)
			err = pool.Ping(pingCtx)
			cancel()
			if err == nil {
				return &Postgres{pool: pool, db: pool}, nil
			}
			pool.Close()
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pgRetryDelay):
		}
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

// Migrate applies the embedded schema. Statements are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close releases the pool
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) || pgxscan.NotFound(err) {
		return ErrNotFound
	}
	return err
}

// nodeRow carries credentials as raw JSON so scany does not descend into
// the struct
type nodeRow struct {
	ID               int64                  `db:"id"`
	Name             string                 `db:"name"`
	Kind             model.NodeKind         `db:"kind"`
	Vendor           string                 `db:"vendor"`
	Address          string                 `db:"address"`
	Port             int                    `db:"port"`
	ConnectionMethod model.ConnectionMethod `db:"connection_method"`
	Credentials      []byte                 `db:"credentials"`
	Metadata         map[string]any         `db:"metadata"`
	Status           model.NodeStatus       `db:"status"`
	CreatedAt        time.Time              `db:"created_at"`
	UpdatedAt        time.Time              `db:"updated_at"`
}

const nodeColumns = `id, name, kind, vendor, address, port, connection_method,
	credentials, metadata, status, created_at, updated_at`

func (r *nodeRow) toModel() (model.ServiceNode, error) {
	n := model.ServiceNode{
		ID:               r.ID,
		Name:             r.Name,
		Kind:             r.Kind,
		Vendor:           r.Vendor,
		Address:          r.Address,
		Port:             r.Port,
		ConnectionMethod: r.ConnectionMethod,
		Metadata:         r.Metadata,
		Status:           r.Status,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if len(r.Credentials) > 0 {
		if err := json.Unmarshal(r.Credentials, &n.Credentials); err != nil {
			return n, fmt.Errorf("node %d credentials: %w", n.ID, err)
		}
	}
	return n, nil
}

func (p *Postgres) Node(ctx context.Context, id int64) (*model.ServiceNode, error) {
	var row nodeRow
	err := pgxscan.Get(ctx, p.db, &row, `SELECT `+nodeColumns+` FROM service_nodes WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	n, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (p *Postgres) ListNodes(ctx context.Context, kind model.NodeKind) ([]model.ServiceNode, error) {
	var rows []nodeRow
	err := pgxscan.Select(ctx, p.db, &rows,
		`SELECT `+nodeColumns+` FROM service_nodes WHERE $1 = '' OR kind = $1 ORDER BY id`, string(kind))
	if err != nil {
		return nil, err
	}
	out := make([]model.ServiceNode, 0, len(rows))
	for i := range rows {
		n, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (p *Postgres) UpdateNodeStatus(ctx context.Context, id int64, status model.NodeStatus, patch map[string]any) error {
	if patch == nil {
		patch = map[string]any{}
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode metadata patch: %w", err)
	}
	tag, err := p.db.Exec(ctx, `UPDATE service_nodes
		SET status = $2, metadata = COALESCE(metadata, '{}'::jsonb) || $3::jsonb, updated_at = now()
		WHERE id = $1`, id, string(status), string(raw))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const customerColumns = `id, name, login, password, router_id, olt_id, status, vlan,
	rate_limit, latitude, longitude, updated_at`

func (p *Postgres) Customer(ctx context.Context, id int64) (*model.Customer, error) {
	var c model.Customer
	if err := pgxscan.Get(ctx, p.db, &c, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (p *Postgres) CustomersByNode(ctx context.Context, routerID int64) ([]model.Customer, error) {
	var cs []model.Customer
	err := pgxscan.Select(ctx, p.db, &cs, `SELECT `+customerColumns+` FROM customers WHERE router_id = $1 ORDER BY id`, routerID)
	return cs, err
}

func (p *Postgres) CustomersByOLT(ctx context.Context, oltID int64) ([]model.Customer, error) {
	var cs []model.Customer
	err := pgxscan.Select(ctx, p.db, &cs, `SELECT `+customerColumns+` FROM customers WHERE olt_id = $1 ORDER BY id`, oltID)
	return cs, err
}

func (p *Postgres) UpdateCustomer(ctx context.Context, c *model.Customer) error {
	tag, err := p.db.Exec(ctx, `UPDATE customers
		SET name = $2, login = $3, password = $4, router_id = $5, olt_id = $6, status = $7,
		    vlan = $8, rate_limit = $9, latitude = $10, longitude = $11, updated_at = now()
		WHERE id = $1`,
		c.ID, c.Name, c.Login, c.Password, c.RouterID, c.OLTID, string(c.Status),
		c.VLAN, c.RateLimit, c.Latitude, c.Longitude)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const deviceColumns = `d.id, d.customer_id, d.olt_id, d.serial, d.interface, d.onu_index,
	d.profile, d.status, d.activated_at, d.expires_at, d.metadata`

func (p *Postgres) DevicesByOLT(ctx context.Context, oltID int64) ([]model.CustomerDevice, error) {
	var ds []model.CustomerDevice
	err := pgxscan.Select(ctx, p.db, &ds, `SELECT `+deviceColumns+` FROM customer_devices d
		WHERE d.olt_id = $1 AND d.status <> 'inactive' ORDER BY d.id`, oltID)
	return ds, err
}

func (p *Postgres) ActiveDevicesByOLT(ctx context.Context, oltID int64) ([]model.CustomerDevice, error) {
	var ds []model.CustomerDevice
	err := pgxscan.Select(ctx, p.db, &ds, `SELECT `+deviceColumns+` FROM customer_devices d
		JOIN customers c ON c.id = d.customer_id
		WHERE d.olt_id = $1 AND d.status = 'active' AND c.status = 'active' ORDER BY d.id`, oltID)
	return ds, err
}

func (p *Postgres) DevicesByCustomer(ctx context.Context, customerID int64) ([]model.CustomerDevice, error) {
	var ds []model.CustomerDevice
	err := pgxscan.Select(ctx, p.db, &ds, `SELECT `+deviceColumns+` FROM customer_devices d
		WHERE d.customer_id = $1 ORDER BY d.id`, customerID)
	return ds, err
}

func (p *Postgres) UpsertDevice(ctx context.Context, d *model.CustomerDevice) error {
	meta := d.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode device metadata: %w", err)
	}
	return p.db.QueryRow(ctx, `INSERT INTO customer_devices
		(customer_id, olt_id, serial, interface, onu_index, profile, status, activated_at, expires_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
		ON CONFLICT (serial) DO UPDATE SET
		    customer_id = EXCLUDED.customer_id, olt_id = EXCLUDED.olt_id,
		    interface = EXCLUDED.interface, onu_index = EXCLUDED.onu_index,
		    profile = EXCLUDED.profile, status = EXCLUDED.status,
		    activated_at = EXCLUDED.activated_at, expires_at = EXCLUDED.expires_at,
		    metadata = customer_devices.metadata || EXCLUDED.metadata
		RETURNING id`,
		d.CustomerID, d.OLTID, d.Serial, d.Interface, d.ONUIndex, d.Profile, string(d.Status),
		d.ActivatedAt, d.ExpiresAt, string(raw)).Scan(&d.ID)
}

func (p *Postgres) ServiceRequest(ctx context.Context, id int64) (*model.ServiceRequest, error) {
	var r model.ServiceRequest
	err := pgxscan.Get(ctx, p.db, &r, `SELECT id, customer_id, type, status, details, failure_reason,
		created_at, completed_at FROM service_requests WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (p *Postgres) CompleteServiceRequest(ctx context.Context, id int64, at time.Time) error {
	return p.execOne(ctx, `UPDATE service_requests SET status = 'completed', completed_at = $2,
		failure_reason = NULL WHERE id = $1`, id, at)
}

func (p *Postgres) FailServiceRequest(ctx context.Context, id int64, reason string) error {
	return p.execOne(ctx, `UPDATE service_requests SET status = 'failed', failure_reason = $2 WHERE id = $1`, id, reason)
}

func (p *Postgres) execOne(ctx context.Context, sql string, args ...any) error {
	tag, err := p.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if p.pool == nil {
		// already inside a transaction
		return fn(p)
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(&Postgres{db: tx})
	})
}

func (p *Postgres) CreateOutage(ctx context.Context, o *model.Outage) error {
	return p.db.QueryRow(ctx, `INSERT INTO outages (node_id, title, description, type, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		o.NodeID, o.Title, o.Description, string(o.Type), string(o.Status), o.StartedAt).Scan(&o.ID)
}

func (p *Postgres) OpenOutages(ctx context.Context, nodeID int64) ([]model.Outage, error) {
	var outages []model.Outage
	err := pgxscan.Select(ctx, p.db, &outages, `SELECT id, node_id, title, description, type, status,
		started_at, resolved_at FROM outages WHERE node_id = $1 AND status <> 'resolved' ORDER BY id`, nodeID)
	return outages, err
}

func (p *Postgres) ResolveOutages(ctx context.Context, nodeID int64, at time.Time) (int, error) {
	tag, err := p.db.Exec(ctx, `UPDATE outages SET status = 'resolved', resolved_at = $2
		WHERE node_id = $1 AND status <> 'resolved'`, nodeID, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) CreateTicket(ctx context.Context, t *model.Ticket) error {
	return p.db.QueryRow(ctx, `INSERT INTO tickets (outage_id, subject, body, priority, assignee_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		t.OutageID, t.Subject, t.Body, t.Priority, t.AssigneeID, t.CreatedAt).Scan(&t.ID)
}

func (p *Postgres) AppendHealthLog(ctx context.Context, l *model.NodeHealthLog) error {
	return p.db.QueryRow(ctx, `INSERT INTO node_health_logs
		(node_id, status, latency_ms, cpu_load, memory_percent, active_clients, error, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		l.NodeID, string(l.Status), l.LatencyMS, l.CPULoad, l.MemoryPercent, l.ActiveClients,
		l.Error, l.CheckedAt).Scan(&l.ID)
}

func (p *Postgres) AppendTrafficMetrics(ctx context.Context, m []model.TrafficMetric) error {
	if len(m) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(m))
	for _, s := range m {
		rows = append(rows, []any{s.NodeID, s.Interface, s.RxBytes, s.TxBytes, s.SampledAt})
	}
	if tx, ok := p.db.(pgx.Tx); ok {
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"traffic_metrics"},
			[]string{"node_id", "interface", "rx_bytes", "tx_bytes", "sampled_at"}, pgx.CopyFromRows(rows))
		return err
	}
	_, err := p.pool.CopyFrom(ctx, pgx.Identifier{"traffic_metrics"},
		[]string{"node_id", "interface", "rx_bytes", "tx_bytes", "sampled_at"}, pgx.CopyFromRows(rows))
	return err
}

// UpsertRadiusUser writes the check and reply rows for a PPP account. A
// disabled account gets Auth-Type Reject.
func (p *Postgres) UpsertRadiusUser(ctx context.Context, u RadiusUser) error {
	return p.WithTx(ctx, func(s Store) error {
		db := s.(*Postgres).db
		upsert := func(table, attr, op, value string) error {
			_, err := db.Exec(ctx, `INSERT INTO `+table+` (username, attribute, op, value)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (username, attribute) DO UPDATE SET op = EXCLUDED.op, value = EXCLUDED.value`,
				u.Username, attr, op, value)
			return err
		}
		if err := upsert("radcheck", "Cleartext-Password", ":=", u.Password); err != nil {
			return err
		}
		if u.Disabled {
			if err := upsert("radcheck", "Auth-Type", ":=", "Reject"); err != nil {
				return err
			}
		} else if _, err := db.Exec(ctx, `DELETE FROM radcheck WHERE username = $1 AND attribute = 'Auth-Type'`, u.Username); err != nil {
			return err
		}
		if u.RateLimit == "" {
			_, err := db.Exec(ctx, `DELETE FROM radreply WHERE username = $1 AND attribute = 'Mikrotik-Rate-Limit'`, u.Username)
			return err
		}
		return upsert("radreply", "Mikrotik-Rate-Limit", "=", u.RateLimit)
	})
}

func (p *Postgres) RecordFailedTask(ctx context.Context, t *model.FailedTask) error {
	return p.db.QueryRow(ctx, `INSERT INTO failed_tasks
		(task_id, kind, node_id, customer_id, request_id, attempts, error, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		t.TaskID, t.Kind, t.NodeID, t.CustomerID, t.RequestID, t.Attempts, t.Error, t.FailedAt).Scan(&t.ID)
}

var _ Store = (*Postgres)(nil)
