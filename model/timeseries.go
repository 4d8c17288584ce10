package model

import "time"

// NodeHealthLog is one health poll result. Append only.
type NodeHealthLog struct {
	ID            int64      `db:"id" json:"id"`
	NodeID        int64      `db:"node_id" json:"node_id"`
	Status        NodeStatus `db:"status" json:"status"`
	LatencyMS     int64      `db:"latency_ms" json:"latency_ms"`
	CPULoad       *int       `db:"cpu_load" json:"cpu_load,omitempty"`
	MemoryPercent *float64   `db:"memory_percent" json:"memory_percent,omitempty"`
	ActiveClients *int       `db:"active_clients" json:"active_clients,omitempty"`
	Error         string     `db:"error" json:"error,omitempty"`
	CheckedAt     time.Time  `db:"checked_at" json:"checked_at"`
}

// TrafficMetric is one interface counter sample. Append only.
type TrafficMetric struct {
	ID        int64     `db:"id" json:"id"`
	NodeID    int64     `db:"node_id" json:"node_id"`
	Interface string    `db:"interface" json:"interface"`
	RxBytes   uint64    `db:"rx_bytes" json:"rx_bytes"`
	TxBytes   uint64    `db:"tx_bytes" json:"tx_bytes"`
	SampledAt time.Time `db:"sampled_at" json:"sampled_at"`
}

// FailedTask records a task that exhausted its retry policy
type FailedTask struct {
	ID         int64     `db:"id" json:"id"`
	TaskID     string    `db:"task_id" json:"task_id"`
	Kind       string    `db:"kind" json:"kind"`
	NodeID     *int64    `db:"node_id" json:"node_id,omitempty"`
	CustomerID *int64    `db:"customer_id" json:"customer_id,omitempty"`
	RequestID  *int64    `db:"request_id" json:"request_id,omitempty"`
	Attempts   int       `db:"attempts" json:"attempts"`
	Error      string    `db:"error" json:"error"`
	FailedAt   time.Time `db:"failed_at" json:"failed_at"`
}
