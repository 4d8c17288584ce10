package model

import "time"

// RequestType is the kind of change order
type RequestType string

const (
	RequestUpgrade      RequestType = "upgrade"
	RequestDowngrade    RequestType = "downgrade"
	RequestCancellation RequestType = "cancellation"
	RequestActivation   RequestType = "activation"
	RequestRelocation   RequestType = "relocation"
)

// RequestStatus moves Pending -> Approved -> Completed|Failed
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
)

// Detail keys understood by the provisioning pipeline
const (
	DetailRateLimit  = "rate_limit"
	DetailOLTProfile = "olt_profile"
	DetailOLTID      = "olt_id"
	DetailInterface  = "interface"
	DetailONUIndex   = "onu_index"
	DetailSerial     = "serial"
	DetailVLAN       = "vlan"
)

// ServiceRequest is a customer-initiated change order
type ServiceRequest struct {
	ID            int64          `db:"id" json:"id"`
	CustomerID    int64          `db:"customer_id" json:"customer_id"`
	Type          RequestType    `db:"type" json:"type"`
	Status        RequestStatus  `db:"status" json:"status"`
	Details       map[string]any `db:"details" json:"details"`
	FailureReason *string        `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	CompletedAt   *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
}

// DetailString returns a string detail or ""
func (r *ServiceRequest) DetailString(key string) string {
	if v, ok := r.Details[key].(string); ok {
		return v
	}
	return ""
}

// DetailInt returns an integer detail. JSON numbers decode as float64.
func (r *ServiceRequest) DetailInt(key string) (int, bool) {
	switch v := r.Details[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
