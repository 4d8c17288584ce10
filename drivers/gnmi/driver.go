package gnmi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	gnmipb "github.com/openconfig/gnmi/proto/gnmi"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/nanoncore/nano-reconciler/metrics"
	"github.com/nanoncore/nano-reconciler/types"
)

// InterfaceStatePath is the OpenConfig subtree holding oper-status and counters
const InterfaceStatePath = "/interfaces/interface[name=*]/state"

// Driver is a gNMI client used for router health and interface counters
type Driver struct {
	config     *types.EquipmentConfig
	mu         sync.RWMutex
	conn       *grpc.ClientConn
	gnmiClient gnmipb.GNMIClient
}

// NewDriver creates a new gNMI driver
func NewDriver(config *types.EquipmentConfig) (*Driver, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	if config.Port == 0 {
		config.Port = 9339
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &Driver{config: config}, nil
}

// Connect establishes a gRPC connection to the device. Reentrant.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil {
		return nil
	}

	var opts []grpc.DialOption
	if d.config.TLSEnabled {
		tlsConfig := &tls.Config{
			InsecureSkipVerify: d.config.TLSSkipVerify, //nolint:gosec // User-controlled
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, grpc.WithBlock()) //nolint:staticcheck // supported throughout 1.x

	target := net.JoinHostPort(d.config.Address, strconv.Itoa(d.config.Port))

	connectCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	conn, err := grpc.DialContext(connectCtx, target, opts...) //nolint:staticcheck // supported throughout 1.x
	if err != nil {
		metrics.DeviceErrorsTotal.WithLabelValues(string(d.config.Vendor), string(types.ProtocolGNMI)).Inc()
		return fmt.Errorf("%w: dial %s: %v", types.ErrNotConnected, target, err)
	}

	d.conn = conn
	d.gnmiClient = gnmipb.NewGNMIClient(conn)
	return nil
}

// Close closes the gRPC connection
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil {
		err := d.conn.Close()
		d.conn = nil
		d.gnmiClient = nil
		return err
	}
	return nil
}

func (d *Driver) client() (gnmipb.GNMIClient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.gnmiClient == nil {
		return nil, types.ErrNotConnected
	}
	return d.gnmiClient, nil
}

// Get retrieves values at the specified paths
func (d *Driver) Get(ctx context.Context, paths []string) (map[string]interface{}, error) {
	client, err := d.client()
	if err != nil {
		return nil, err
	}

	gnmiPaths := make([]*gnmipb.Path, len(paths))
	for i, p := range paths {
		gnmiPaths[i] = ParsePath(p)
	}

	getCtx, cancel := context.WithTimeout(d.addAuthMetadata(ctx), d.config.Timeout)
	defer cancel()

	resp, err := client.Get(getCtx, &gnmipb.GetRequest{
		Path:     gnmiPaths,
		Encoding: gnmipb.Encoding_JSON_IETF,
	})
	if err != nil {
		return nil, fmt.Errorf("gNMI Get failed: %w", err)
	}

	result := make(map[string]interface{})
	for _, notification := range resp.Notification {
		for _, update := range notification.Update {
			result[PathToString(joinPath(notification.Prefix, update.Path))] = decodeTypedValue(update.Val)
		}
	}
	return result, nil
}

// InterfaceCounters reads per-interface octet counters and oper-status
func (d *Driver) InterfaceCounters(ctx context.Context) ([]types.InterfaceCounters, error) {
	state, err := d.Get(ctx, []string{InterfaceStatePath})
	if err != nil {
		return nil, err
	}
	return countersFromState(state), nil
}

// countersFromState decodes JSON_IETF interface state updates keyed by path
func countersFromState(state map[string]interface{}) []types.InterfaceCounters {
	var out []types.InterfaceCounters
	for path, v := range state {
		p := ParsePath(path)
		name := ""
		for _, elem := range p.Elem {
			if elem.Name == "interface" {
				name = elem.Key["name"]
			}
		}
		doc, ok := v.(map[string]interface{})
		if name == "" || !ok {
			continue
		}
		doc = stripModulePrefixes(doc)

		c := types.InterfaceCounters{Name: name}
		if status, ok := doc["oper-status"].(string); ok {
			c.Running = strings.EqualFold(status, "UP")
		}
		if counters, ok := doc["counters"].(map[string]interface{}); ok {
			counters = stripModulePrefixes(counters)
			c.RxBytes = jsonUint(counters["in-octets"])
			c.TxBytes = jsonUint(counters["out-octets"])
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// stripModulePrefixes drops "openconfig-interfaces:" style qualifiers
func stripModulePrefixes(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if i := strings.LastIndex(k, ":"); i >= 0 {
			k = k[i+1:]
		}
		out[k] = v
	}
	return out
}

// jsonUint decodes RFC 7951 uint64, which is encoded as a string
func jsonUint(v interface{}) uint64 {
	switch n := v.(type) {
	case string:
		u, _ := strconv.ParseUint(n, 10, 64)
		return u
	case float64:
		if n > 0 {
			return uint64(n)
		}
	}
	return 0
}

// addAuthMetadata adds authentication to the context
func (d *Driver) addAuthMetadata(ctx context.Context) context.Context {
	if d.config.Username != "" && d.config.Password != "" {
		md := metadata.Pairs(
			"username", d.config.Username,
			"password", d.config.Password,
		)
		return metadata.NewOutgoingContext(ctx, md)
	}
	return ctx
}

func joinPath(prefix, path *gnmipb.Path) *gnmipb.Path {
	if prefix == nil || len(prefix.Elem) == 0 {
		return path
	}
	joined := &gnmipb.Path{Elem: append([]*gnmipb.PathElem{}, prefix.Elem...)}
	if path != nil {
		joined.Elem = append(joined.Elem, path.Elem...)
	}
	return joined
}

// ParsePath converts "/a/b[k=v]/c" (leading slash optional) into a gNMI Path.
// Slashes inside key brackets do not split elements.
func ParsePath(path string) *gnmipb.Path {
	out := &gnmipb.Path{}
	for _, raw := range splitElems(strings.TrimPrefix(path, "/")) {
		out.Elem = append(out.Elem, parseElem(raw))
	}
	return out
}

func splitElems(path string) []string {
	var elems []string
	depth, start := 0, 0
	for i, c := range path {
		switch c {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		case '/':
			if depth == 0 {
				if i > start {
					elems = append(elems, path[start:i])
				}
				start = i + 1
			}
		}
	}
	if start < len(path) {
		elems = append(elems, path[start:])
	}
	return elems
}

func parseElem(raw string) *gnmipb.PathElem {
	open := strings.IndexByte(raw, '[')
	if open < 0 {
		return &gnmipb.PathElem{Name: raw}
	}
	elem := &gnmipb.PathElem{Name: raw[:open], Key: map[string]string{}}
	for rest := raw[open:]; ; {
		l, r := strings.IndexByte(rest, '['), strings.IndexByte(rest, ']')
		if l < 0 || r < l {
			break
		}
		if k, v, ok := strings.Cut(rest[l+1:r], "="); ok {
			elem.Key[k] = strings.Trim(v, `'"`)
		}
		rest = rest[r+1:]
	}
	return elem
}

// PathToString renders a Path with keys in sorted order
func PathToString(path *gnmipb.Path) string {
	if path == nil {
		return ""
	}
	var b strings.Builder
	for _, elem := range path.GetElem() {
		b.WriteByte('/')
		b.WriteString(elem.GetName())
		keys := make([]string, 0, len(elem.GetKey()))
		for k := range elem.GetKey() {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "[%s=%s]", k, elem.GetKey()[k])
		}
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// decodeTypedValue unwraps scalar values and decodes JSON payloads
func decodeTypedValue(tv *gnmipb.TypedValue) interface{} {
	var raw []byte
	switch v := tv.GetValue().(type) {
	case *gnmipb.TypedValue_StringVal:
		return v.StringVal
	case *gnmipb.TypedValue_AsciiVal:
		return v.AsciiVal
	case *gnmipb.TypedValue_IntVal:
		return v.IntVal
	case *gnmipb.TypedValue_UintVal:
		return v.UintVal
	case *gnmipb.TypedValue_BoolVal:
		return v.BoolVal
	case *gnmipb.TypedValue_DoubleVal:
		return v.DoubleVal
	case *gnmipb.TypedValue_JsonVal:
		raw = v.JsonVal
	case *gnmipb.TypedValue_JsonIetfVal:
		raw = v.JsonIetfVal
	default:
		return nil
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return string(raw)
	}
	return doc
}
