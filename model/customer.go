package model

import "time"

// CustomerStatus is the customer lifecycle status
type CustomerStatus string

const (
	CustomerActive    CustomerStatus = "active"
	CustomerIsolated  CustomerStatus = "isolated"
	CustomerInactive  CustomerStatus = "inactive"
	CustomerSuspended CustomerStatus = "suspended"
)

// Customer is a subscriber bound to one router and optionally one OLT
type Customer struct {
	ID        int64          `db:"id" json:"id"`
	Name      string         `db:"name" json:"name"`
	Login     string         `db:"login" json:"login"`
	Password  string         `db:"password" json:"-"`
	RouterID  int64          `db:"router_id" json:"router_id"`
	OLTID     *int64         `db:"olt_id" json:"olt_id,omitempty"`
	Status    CustomerStatus `db:"status" json:"status"`
	VLAN      int            `db:"vlan" json:"vlan"`
	RateLimit string         `db:"rate_limit" json:"rate_limit"`
	Latitude  *float64       `db:"latitude" json:"latitude,omitempty"`
	Longitude *float64       `db:"longitude" json:"longitude,omitempty"`
	UpdatedAt time.Time      `db:"updated_at" json:"updated_at"`
}

// ShouldBeIsolated reports whether the router should hold an isolation
// marker for this customer
func (c *Customer) ShouldBeIsolated() bool {
	return c.Status == CustomerSuspended || c.Status == CustomerIsolated
}

// DeviceStatus is the lifecycle status of a subscriber unit
type DeviceStatus string

const (
	DeviceActive   DeviceStatus = "active"
	DevicePending  DeviceStatus = "pending"
	DeviceInactive DeviceStatus = "inactive"
)

// CustomerDevice is a subscriber ONU
type CustomerDevice struct {
	ID          int64          `db:"id" json:"id"`
	CustomerID  int64          `db:"customer_id" json:"customer_id"`
	OLTID       int64          `db:"olt_id" json:"olt_id"`
	Serial      string         `db:"serial" json:"serial"`
	Interface   string         `db:"interface" json:"interface"`
	ONUIndex    int            `db:"onu_index" json:"onu_index"`
	Profile     string         `db:"profile" json:"profile"`
	Status      DeviceStatus   `db:"status" json:"status"`
	ActivatedAt *time.Time     `db:"activated_at" json:"activated_at,omitempty"`
	ExpiresAt   *time.Time     `db:"expires_at" json:"expires_at,omitempty"`
	Metadata    map[string]any `db:"metadata" json:"metadata,omitempty"`
}
