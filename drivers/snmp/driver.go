package snmp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/nanoncore/nano-reconciler/metrics"
	"github.com/nanoncore/nano-reconciler/types"
	"github.com/nanoncore/nano-reconciler/vendors/common"
)

// Driver is an SNMP GET/WALK client. SNMP is used for monitoring only:
// health and traffic counters where API access is unavailable.
type Driver struct {
	config *types.EquipmentConfig

	mu   sync.Mutex
	snmp *gosnmp.GoSNMP
}

// NewDriver creates a new SNMP driver
func NewDriver(config *types.EquipmentConfig) (*Driver, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	if config.Port <= 0 || config.Port > 65535 {
		config.Port = 161
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	return &Driver{config: config}, nil
}

// Connect opens the UDP socket. Reentrant.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.snmp != nil {
		return nil
	}

	version := gosnmp.Version2c
	switch d.config.Metadata["snmp_version"] {
	case "1":
		version = gosnmp.Version1
	case "3":
		version = gosnmp.Version3
	}

	client := &gosnmp.GoSNMP{
		Context:   ctx,
		Target:    d.config.Address,
		Port:      uint16(d.config.Port), //nolint:gosec // validated in NewDriver
		Community: common.MetadataString(d.config.Metadata, "public", "snmp_community"),
		Version:   version,
		Timeout:   d.config.Timeout,
		Retries:   1,
	}

	if version == gosnmp.Version3 {
		client.SecurityModel = gosnmp.UserSecurityModel
		client.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 d.config.Username,
			AuthenticationProtocol:   gosnmp.SHA,
			AuthenticationPassphrase: d.config.Password,
			PrivacyProtocol:          gosnmp.AES,
			PrivacyPassphrase:        d.config.Password,
		}
		client.MsgFlags = gosnmp.AuthPriv
	}

	if err := client.Connect(); err != nil {
		metrics.DeviceErrorsTotal.WithLabelValues(string(d.config.Vendor), string(types.ProtocolSNMP)).Inc()
		return fmt.Errorf("%w: snmp connect %s: %v", types.ErrNotConnected, d.config.Address, err)
	}

	d.snmp = client
	return nil
}

// Close closes the SNMP socket
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.snmp != nil && d.snmp.Conn != nil {
		err := d.snmp.Conn.Close()
		d.snmp = nil
		return err
	}
	d.snmp = nil
	return nil
}

func (d *Driver) client() (*gosnmp.GoSNMP, error) {
	if d.snmp == nil {
		return nil, types.ErrNotConnected
	}
	return d.snmp, nil
}

// GetSNMP implements types.SNMPExecutor - retrieves a single SNMP value
func (d *Driver) GetSNMP(ctx context.Context, oid string) (interface{}, error) {
	results, err := d.BulkGetSNMP(ctx, []string{oid})
	if err != nil {
		return nil, err
	}
	v, ok := common.GetSNMPResult(results, oid)
	if !ok {
		return nil, fmt.Errorf("%w: no result for OID %s", types.ErrNotFound, oid)
	}
	return v, nil
}

// WalkSNMP implements types.SNMPExecutor. Results are keyed by the row
// index below oid.
func (d *Driver) WalkSNMP(ctx context.Context, oid string) (map[string]interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	client, err := d.client()
	if err != nil {
		return nil, err
	}

	results := make(map[string]interface{})
	walk := client.BulkWalk
	if client.Version == gosnmp.Version1 {
		walk = client.Walk
	}
	err = walk(oid, func(pdu gosnmp.SnmpPDU) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if index, ok := common.IndexOf(pdu.Name, oid); ok {
			results[index] = convert(pdu)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("SNMP WALK failed: %w", err)
	}
	return results, nil
}

// BulkGetSNMP implements types.SNMPExecutor - retrieves multiple OIDs
func (d *Driver) BulkGetSNMP(ctx context.Context, oids []string) (map[string]interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	client, err := d.client()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := client.Get(oids)
	if err != nil {
		return nil, fmt.Errorf("SNMP GET failed: %w", err)
	}

	results := make(map[string]interface{}, len(result.Variables))
	for _, variable := range result.Variables {
		switch variable.Type {
		case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
			continue
		}
		results[variable.Name] = convert(variable)
	}
	return results, nil
}

func convert(pdu gosnmp.SnmpPDU) interface{} {
	switch pdu.Type {
	case gosnmp.OctetString:
		if b, ok := pdu.Value.([]byte); ok {
			return string(b)
		}
	case gosnmp.Integer:
		if v, ok := pdu.Value.(int); ok {
			return int64(v)
		}
	case gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks:
		if v, ok := pdu.Value.(uint); ok {
			return uint64(v)
		}
		if v, ok := pdu.Value.(uint32); ok {
			return uint64(v)
		}
	}
	return pdu.Value
}

// Ensure Driver implements SNMPExecutor
var _ types.SNMPExecutor = (*Driver)(nil)
