package jobs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"

	"github.com/nanoncore/nano-reconciler/metrics"
	"github.com/nanoncore/nano-reconciler/notify"
	"github.com/nanoncore/nano-reconciler/queue"
	"github.com/nanoncore/nano-reconciler/types"
)

// Fraud runs the revenue assurance queries on a router. Each signal with
// offenders produces one alert per run listing all of them.
func (j *Jobs) Fraud(ctx context.Context, t queue.Task) queue.Result {
	node, res, ok := j.node(ctx, t)
	if !ok {
		return res
	}
	var errs []error

	shared, err := j.routers.MultiLogin(ctx, node)
	if err != nil {
		errs = append(errs, fmt.Errorf("multi-login query: %w", err))
	} else if len(shared) > 0 {
		logins := make([]string, 0, len(shared))
		for login := range shared {
			logins = append(logins, login)
		}
		sort.Strings(logins)
		lines := make([]string, 0, len(logins))
		for _, login := range logins {
			lines = append(lines, fmt.Sprintf("%s (%s)", login, strings.Join(shared[login], ", ")))
		}
		j.alert(ctx, notify.KindFraud, node, fmt.Sprintf("Account sharing on %s, %d account(s) with several MACs:\n%s",
			node.Label(), len(logins), strings.Join(lines, "\n")))
	}

	tethered, err := j.routers.TTLAnomalies(ctx, node)
	if err != nil {
		errs = append(errs, fmt.Errorf("ttl anomaly query: %w", err))
	} else if len(tethered) > 0 {
		j.alert(ctx, notify.KindFraud, node, fmt.Sprintf("TTL anomalies on %s, %d source address(es):\n%s",
			node.Label(), len(tethered), strings.Join(tethered, "\n")))
	}

	j.logger.Info().Int64("node_id", node.ID).Int("shared", len(shared)).Int("tethered", len(tethered)).
		Msg("revenue assurance finished")
	if err := errors.Join(errs...); err != nil {
		return queue.Fail(err)
	}
	return queue.Success()
}

var (
	authFailure = regexp.MustCompile(`(?i)(login failure|authentication failed|auth(entication)? fail(ure|ed)?|invalid (user|password))`)
	fromAddress = regexp.MustCompile(`(?i)from\s+\[?((?:\d{1,3}\.){3}\d{1,3})`)
	anyAddress  = regexp.MustCompile(`\b((?:\d{1,3}\.){3}\d{1,3})\b`)
)

// FailedLogins counts authentication failures per source address in a
// log window. Lines without a parseable address are ignored.
func FailedLogins(entries []types.LogEntry) map[string]int {
	out := make(map[string]int)
	for _, e := range entries {
		if !authFailure.MatchString(e.Message) {
			continue
		}
		var addr string
		if m := fromAddress.FindStringSubmatch(e.Message); m != nil {
			addr = m[1]
		} else if m := anyAddress.FindStringSubmatch(e.Message); m != nil {
			addr = m[1]
		}
		if ip := net.ParseIP(addr); ip == nil || ip.To4() == nil {
			continue
		}
		out[addr]++
	}
	return out
}

// Bruteforce blackholes every source address with enough failed logins in
// the fetched window. A dedup marker suppresses re-blocking and
// re-alerting the same address on the same node until it expires.
func (j *Jobs) Bruteforce(ctx context.Context, t queue.Task) queue.Result {
	node, res, ok := j.node(ctx, t)
	if !ok {
		return res
	}
	entries, err := j.routers.Logs(ctx, node, j.th.LogLimit)
	if err != nil {
		return queue.Fail(fmt.Errorf("read logs: %w", err))
	}
	counts := FailedLogins(entries)

	offenders := make([]string, 0, len(counts))
	for addr, n := range counts {
		if n >= j.th.BruteforceThreshold {
			offenders = append(offenders, addr)
		}
	}
	sort.Strings(offenders)

	var blocked []string
	var errs []error
	for _, addr := range offenders {
		key := blockKey(node.ID, addr)
		fresh, err := j.cache.SetNX(ctx, key, []byte("1"), j.th.BruteforceTTL)
		if err != nil {
			errs = append(errs, fmt.Errorf("dedup %s: %w", addr, err))
			continue
		}
		if !fresh {
			continue
		}
		comment := fmt.Sprintf("bruteforce: %d failed logins", counts[addr])
		if err := j.routers.Block(ctx, node, j.th.BlackholeList, addr, comment, j.th.BruteforceTTL); err != nil {
			// let the next run try again
			if derr := j.cache.Del(ctx, key); derr != nil {
				j.logger.Warn().Err(derr).Str("address", addr).Msg("dedup marker not cleared")
			}
			errs = append(errs, fmt.Errorf("block %s: %w", addr, err))
			continue
		}
		blocked = append(blocked, addr)
		metrics.BlockedAddressesTotal.Inc()
		j.logger.Warn().Int64("node_id", node.ID).Str("address", addr).Int("failures", counts[addr]).Msg("address blackholed")
	}

	if len(blocked) > 0 {
		lines := make([]string, 0, len(blocked))
		for _, addr := range blocked {
			lines = append(lines, fmt.Sprintf("%s (%d failures)", addr, counts[addr]))
		}
		j.alert(ctx, notify.KindBruteforce, node, fmt.Sprintf("Blocked %d address(es) on %s into %s:\n%s",
			len(blocked), node.Label(), j.th.BlackholeList, strings.Join(lines, "\n")))
	}
	if err := errors.Join(errs...); err != nil {
		return queue.Fail(err)
	}
	return queue.Success()
}
