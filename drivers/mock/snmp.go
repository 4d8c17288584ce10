package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/nanoncore/nano-reconciler/types"
	"github.com/nanoncore/nano-reconciler/vendors/common"
)

// SNMP is an in-memory agent implementing types.SNMPSession. It answers
// sysUpTime out of the box; tests seed anything else with Set using full
// OIDs. Walks return rows keyed by index like the gosnmp driver.
type SNMP struct {
	mu     sync.Mutex
	values map[string]interface{}
	err    error
	gets   int
}

// NewSNMP creates an agent that has been up for one day
func NewSNMP() *SNMP {
	return &SNMP{values: map[string]interface{}{
		common.OIDSysUpTime: uint32(8640000),
	}}
}

// Set stores a value under oid
func (s *SNMP) Set(oid string, v interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[oid] = v
}

// SetFailure makes every request fail with err until cleared with nil
func (s *SNMP) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Gets returns the number of requests served
func (s *SNMP) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func (s *SNMP) Connect(ctx context.Context) error { return nil }
func (s *SNMP) Close() error                      { return nil }

func (s *SNMP) GetSNMP(ctx context.Context, oid string) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.err != nil {
		return nil, s.err
	}
	v, ok := s.values[oid]
	if !ok {
		return nil, types.ErrNotFound
	}
	return v, nil
}

func (s *SNMP) WalkSNMP(ctx context.Context, oid string) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.err != nil {
		return nil, s.err
	}
	return common.ByIndex(s.values, oid), nil
}

func (s *SNMP) BulkGetSNMP(ctx context.Context, oids []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(oids))
	for _, oid := range oids {
		v, err := s.GetSNMP(ctx, oid)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out[oid] = v
	}
	return out, nil
}
