// Package store is the system of record for intent: nodes, customers,
// devices and service requests, plus the append-only health and traffic
// series and incident records written back by reconciliation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nanoncore/nano-reconciler/model"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("store: not found")

// RadiusUser is the AAA-side view of a customer: the PPP credential and
// the rate profile returned on accept
type RadiusUser struct {
	Username  string
	Password  string
	RateLimit string
	Disabled  bool
}

// Store is the system of record. Implementations must be safe for
// concurrent use.
type Store interface {
	Node(ctx context.Context, id int64) (*model.ServiceNode, error)
	// ListNodes returns nodes of kind, or every node when kind is empty
	ListNodes(ctx context.Context, kind model.NodeKind) ([]model.ServiceNode, error)
	// UpdateNodeStatus sets status and merges patch into the metadata
	// document. Keys absent from patch are kept.
	UpdateNodeStatus(ctx context.Context, id int64, status model.NodeStatus, patch map[string]any) error

	Customer(ctx context.Context, id int64) (*model.Customer, error)
	CustomersByNode(ctx context.Context, routerID int64) ([]model.Customer, error)
	CustomersByOLT(ctx context.Context, oltID int64) ([]model.Customer, error)
	UpdateCustomer(ctx context.Context, c *model.Customer) error

	DevicesByOLT(ctx context.Context, oltID int64) ([]model.CustomerDevice, error)
	// ActiveDevicesByOLT returns active devices whose customer is active
	ActiveDevicesByOLT(ctx context.Context, oltID int64) ([]model.CustomerDevice, error)
	DevicesByCustomer(ctx context.Context, customerID int64) ([]model.CustomerDevice, error)
	// UpsertDevice inserts or updates by serial and sets d.ID
	UpsertDevice(ctx context.Context, d *model.CustomerDevice) error

	ServiceRequest(ctx context.Context, id int64) (*model.ServiceRequest, error)
	CompleteServiceRequest(ctx context.Context, id int64, at time.Time) error
	FailServiceRequest(ctx context.Context, id int64, reason string) error

	// WithTx runs fn against a store bound to one transaction. The
	// transaction commits when fn returns nil.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	CreateOutage(ctx context.Context, o *model.Outage) error
	OpenOutages(ctx context.Context, nodeID int64) ([]model.Outage, error)
	// ResolveOutages resolves every open outage of the node and returns
	// how many changed
	ResolveOutages(ctx context.Context, nodeID int64, at time.Time) (int, error)
	CreateTicket(ctx context.Context, t *model.Ticket) error

	AppendHealthLog(ctx context.Context, l *model.NodeHealthLog) error
	AppendTrafficMetrics(ctx context.Context, m []model.TrafficMetric) error

	UpsertRadiusUser(ctx context.Context, u RadiusUser) error
	RecordFailedTask(ctx context.Context, t *model.FailedTask) error
}
