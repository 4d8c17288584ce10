package snmp

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/nanoncore/nano-reconciler/types"
	"github.com/nanoncore/nano-reconciler/vendors/common"
)

// SystemUptime reads sysUpTime, reported in hundredths of a second
func SystemUptime(ctx context.Context, exec types.SNMPExecutor) (time.Duration, error) {
	v, err := exec.GetSNMP(ctx, common.OIDSysUpTime)
	if err != nil {
		return 0, err
	}
	ticks, ok := common.ParseIntSNMPValue(v)
	if !ok {
		return 0, fmt.Errorf("%w: sysUpTime has type %T", types.ErrNotFound, v)
	}
	return time.Duration(ticks) * 10 * time.Millisecond, nil
}

// CPULoad averages hrProcessorLoad across processors. Devices without the
// HOST-RESOURCES MIB return ErrNotFound.
func CPULoad(ctx context.Context, exec types.SNMPExecutor) (int, error) {
	rows, err := exec.WalkSNMP(ctx, common.OIDHrProcLoad)
	if err != nil {
		return 0, err
	}
	var sum, n int64
	for _, v := range rows {
		if load, ok := common.ParseIntSNMPValue(v); ok {
			sum += load
			n++
		}
	}
	if n == 0 {
		return 0, types.ErrNotFound
	}
	return int(sum / n), nil
}

// InterfaceCounters joins ifName with the 64-bit octet counters and
// operational status. Rows without a name are dropped.
func InterfaceCounters(ctx context.Context, exec types.SNMPExecutor) ([]types.InterfaceCounters, error) {
	names, err := exec.WalkSNMP(ctx, common.OIDIfName)
	if err != nil {
		return nil, err
	}
	in, err := exec.WalkSNMP(ctx, common.OIDIfHCInOctets)
	if err != nil {
		return nil, err
	}
	out, err := exec.WalkSNMP(ctx, common.OIDIfHCOutOctets)
	if err != nil {
		return nil, err
	}
	oper, err := exec.WalkSNMP(ctx, common.OIDIfOperStatus)
	if err != nil {
		return nil, err
	}

	indexes := make([]string, 0, len(names))
	for idx := range names {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool {
		a, _ := strconv.Atoi(indexes[i])
		b, _ := strconv.Atoi(indexes[j])
		return a < b
	})

	counters := make([]types.InterfaceCounters, 0, len(indexes))
	for _, idx := range indexes {
		name, ok := common.ParseStringSNMPValue(names[idx])
		if !ok || name == "" {
			continue
		}
		c := types.InterfaceCounters{Name: name}
		c.RxBytes, _ = common.ParseUint64SNMPValue(in[idx])
		c.TxBytes, _ = common.ParseUint64SNMPValue(out[idx])
		if status, ok := common.ParseIntSNMPValue(oper[idx]); ok {
			c.Running = status == 1
		}
		counters = append(counters, c)
	}
	return counters, nil
}
