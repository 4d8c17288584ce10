package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nanoncore/nano-reconciler/model"
)

// Run with: go test -run TestPostgres ./store/...
func newPostgres(t *testing.T) *Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test")
	}
	ctx := context.Background()

	ctr, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("nano"),
		postgres.WithUsername("nano"),
		postgres.WithPassword("nano"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	p, err := NewPostgres(ctx, Config{DSN: dsn, Retries: 5})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	require.NoError(t, p.Migrate(ctx))
	return p
}

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()
	p := newPostgres(t)

	var routerID, oltID int64
	require.NoError(t, p.db.QueryRow(ctx, `INSERT INTO service_nodes (name, kind, vendor, address, connection_method, credentials, metadata)
		VALUES ('core-1', 'router', 'mikrotik', '10.0.0.1', 'api', '{"username":"admin","password":"pw"}', '{"site":"north"}')
		RETURNING id`).Scan(&routerID))
	require.NoError(t, p.db.QueryRow(ctx, `INSERT INTO service_nodes (name, kind, vendor, connection_method)
		VALUES ('olt-1', 'olt', 'huawei', 'ssh') RETURNING id`).Scan(&oltID))

	t.Run("nodes", func(t *testing.T) {
		n, err := p.Node(ctx, routerID)
		require.NoError(t, err)
		assert.Equal(t, "admin", n.Credentials.Username)
		assert.Equal(t, model.ConnectionAPI, n.ConnectionMethod)

		require.NoError(t, p.UpdateNodeStatus(ctx, routerID, model.NodeStatusOffline, map[string]any{model.MetaLastError: "timeout"}))
		n, err = p.Node(ctx, routerID)
		require.NoError(t, err)
		assert.Equal(t, model.NodeStatusOffline, n.Status)
		assert.Equal(t, "north", n.Metadata["site"])
		assert.Equal(t, "timeout", n.Metadata[model.MetaLastError])

		olts, err := p.ListNodes(ctx, model.NodeKindOLT)
		require.NoError(t, err)
		require.Len(t, olts, 1)
		assert.Equal(t, oltID, olts[0].ID)

		_, err = p.Node(ctx, 99999)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	var customerID int64
	require.NoError(t, p.db.QueryRow(ctx, `INSERT INTO customers (name, login, password, router_id, olt_id, status, vlan)
		VALUES ('Ada', 'ada', 'pw', $1, $2, 'inactive', 100) RETURNING id`, routerID, oltID).Scan(&customerID))
	var requestID int64
	require.NoError(t, p.db.QueryRow(ctx, `INSERT INTO service_requests (customer_id, type, status, details)
		VALUES ($1, 'activation', 'approved', '{"serial":"HWTC0001","vlan":100}') RETURNING id`, customerID).Scan(&requestID))

	t.Run("transaction", func(t *testing.T) {
		req, err := p.ServiceRequest(ctx, requestID)
		require.NoError(t, err)
		assert.Equal(t, "HWTC0001", req.DetailString(model.DetailSerial))

		err = p.WithTx(ctx, func(tx Store) error {
			c, err := tx.Customer(ctx, customerID)
			if err != nil {
				return err
			}
			c.Status = model.CustomerActive
			if err := tx.UpdateCustomer(ctx, c); err != nil {
				return err
			}
			if err := tx.UpsertDevice(ctx, &model.CustomerDevice{CustomerID: customerID, OLTID: oltID, Serial: "HWTC0001", Status: model.DeviceActive}); err != nil {
				return err
			}
			return tx.CompleteServiceRequest(ctx, requestID, time.Now())
		})
		require.NoError(t, err)

		ds, err := p.ActiveDevicesByOLT(ctx, oltID)
		require.NoError(t, err)
		require.Len(t, ds, 1)
		assert.Equal(t, "HWTC0001", ds[0].Serial)

		req, _ = p.ServiceRequest(ctx, requestID)
		assert.Equal(t, model.RequestCompleted, req.Status)
	})

	t.Run("outages", func(t *testing.T) {
		o := &model.Outage{NodeID: &routerID, Title: "core-1 down", Type: model.OutageUnscheduled, Status: model.OutageInvestigating, StartedAt: time.Now()}
		require.NoError(t, p.CreateOutage(ctx, o))
		require.NoError(t, p.CreateTicket(ctx, &model.Ticket{OutageID: &o.ID, Subject: "core-1 down", Priority: "high", AssigneeID: 1, CreatedAt: time.Now()}))

		n, err := p.ResolveOutages(ctx, routerID, time.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		open, err := p.OpenOutages(ctx, routerID)
		require.NoError(t, err)
		assert.Empty(t, open)
	})

	t.Run("series", func(t *testing.T) {
		cpu := 12
		require.NoError(t, p.AppendHealthLog(ctx, &model.NodeHealthLog{NodeID: routerID, Status: model.NodeStatusActive, CPULoad: &cpu, CheckedAt: time.Now()}))
		require.NoError(t, p.AppendTrafficMetrics(ctx, []model.TrafficMetric{
			{NodeID: routerID, Interface: "ether1", RxBytes: 1 << 40, TxBytes: 42, SampledAt: time.Now()},
		}))
		require.NoError(t, p.RecordFailedTask(ctx, &model.FailedTask{TaskID: "t1", Kind: "suspend", Attempts: 5, Error: "x", FailedAt: time.Now()}))
	})

	t.Run("radius", func(t *testing.T) {
		require.NoError(t, p.UpsertRadiusUser(ctx, RadiusUser{Username: "ada", Password: "pw", RateLimit: "10M/10M"}))
		require.NoError(t, p.UpsertRadiusUser(ctx, RadiusUser{Username: "ada", Password: "pw2", Disabled: true}))

		var value string
		require.NoError(t, p.db.QueryRow(ctx, `SELECT value FROM radcheck WHERE username = 'ada' AND attribute = 'Cleartext-Password'`).Scan(&value))
		assert.Equal(t, "pw2", value)
		var replies int
		require.NoError(t, p.db.QueryRow(ctx, `SELECT count(*) FROM radreply WHERE username = 'ada'`).Scan(&replies))
		assert.Zero(t, replies)
	})
}
