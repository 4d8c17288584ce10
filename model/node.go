// Package model contains the system-of-record entities the reconciliation
// layer reads and writes back. Billing and identity fields are not carried.
package model

import (
	"strconv"
	"time"
)

// NodeKind distinguishes routers from OLTs
type NodeKind string

const (
	NodeKindRouter NodeKind = "router"
	NodeKindOLT    NodeKind = "olt"
)

// ConnectionMethod is how the node is managed
type ConnectionMethod string

const (
	ConnectionNone ConnectionMethod = "none"
	ConnectionSNMP ConnectionMethod = "snmp"
	ConnectionAPI  ConnectionMethod = "api"
	ConnectionSSH  ConnectionMethod = "ssh"
	ConnectionGNMI ConnectionMethod = "gnmi"
)

// NodeStatus is the operational status written back by health monitoring
type NodeStatus string

const (
	NodeStatusActive      NodeStatus = "active"
	NodeStatusOffline     NodeStatus = "offline"
	NodeStatusMaintenance NodeStatus = "maintenance"
)

// Metadata keys written back by the reconciliation jobs
const (
	MetaLastPoll           = "last_poll"
	MetaLastError          = "last_error"
	MetaResources          = "resources"
	MetaLastAudit          = "last_audit"
	MetaLastReconstruction = "last_reconstruction"
	MetaUnconfiguredONUs   = "unconfigured_onus"
	MetaLastTraffic        = "last_traffic"
)

// Credentials is the credential set for a node's management plane
type Credentials struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	SNMPCommunity string `json:"snmp_community,omitempty"`
	SNMPVersion   string `json:"snmp_version,omitempty"`
}

// ServiceNode is a router or OLT
type ServiceNode struct {
	ID               int64            `db:"id" json:"id"`
	Name             string           `db:"name" json:"name"`
	Kind             NodeKind         `db:"kind" json:"kind"`
	Vendor           string           `db:"vendor" json:"vendor"`
	Address          string           `db:"address" json:"address"`
	Port             int              `db:"port" json:"port"`
	ConnectionMethod ConnectionMethod `db:"connection_method" json:"connection_method"`
	Credentials      Credentials      `db:"credentials" json:"-"`
	Metadata         map[string]any   `db:"metadata" json:"metadata"`
	Status           NodeStatus       `db:"status" json:"status"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
}

// Managed reports whether any device call may be attempted for this node
func (n *ServiceNode) Managed() bool {
	return n.ConnectionMethod != "" && n.ConnectionMethod != ConnectionNone
}

// Label is the identifier used in alerts and logs
func (n *ServiceNode) Label() string {
	if n.Name != "" {
		return n.Name
	}
	return "node-" + strconv.FormatInt(n.ID, 10)
}
