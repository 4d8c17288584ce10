package common

import "strings"

// Standard MIB-II and HOST-RESOURCES OIDs used for health and traffic polling
const (
	OIDSysDescr      = "1.3.6.1.2.1.1.1.0"
	OIDSysUpTime     = "1.3.6.1.2.1.1.3.0"
	OIDIfName        = "1.3.6.1.2.1.31.1.1.1.1"
	OIDIfHCInOctets  = "1.3.6.1.2.1.31.1.1.1.6"
	OIDIfHCOutOctets = "1.3.6.1.2.1.31.1.1.1.10"
	OIDIfOperStatus  = "1.3.6.1.2.1.2.2.1.8"
	OIDHrProcLoad    = "1.3.6.1.2.1.25.3.3.1.2"
)

// GetSNMPResult looks up an OID in SNMP results, handling the leading dot issue.
// gosnmp returns OIDs with a leading dot (e.g., ".1.3.6.1..."), but OID constants
// typically don't have the leading dot. This function tries both formats.
func GetSNMPResult(results map[string]interface{}, oid string) (interface{}, bool) {
	if results == nil {
		return nil, false
	}
	if val, ok := results[oid]; ok {
		return val, true
	}
	if strings.HasPrefix(oid, ".") {
		val, ok := results[strings.TrimPrefix(oid, ".")]
		return val, ok
	}
	val, ok := results["."+oid]
	return val, ok
}

// IndexOf returns the row index of a walked OID under base, e.g.
// IndexOf(".1.3.6.1.2.1.31.1.1.1.1.7", OIDIfName) == "7".
func IndexOf(oid, base string) (string, bool) {
	oid = strings.TrimPrefix(oid, ".")
	base = strings.TrimPrefix(base, ".") + "."
	if !strings.HasPrefix(oid, base) {
		return "", false
	}
	return strings.TrimPrefix(oid, base), true
}

// ByIndex re-keys a walk result by row index
func ByIndex(results map[string]interface{}, base string) map[string]interface{} {
	out := make(map[string]interface{}, len(results))
	for oid, v := range results {
		if idx, ok := IndexOf(oid, base); ok {
			out[idx] = v
		}
	}
	return out
}

// ParseUint64SNMPValue extracts a uint64 from SNMP counter values.
// gosnmp returns Counter64 as uint64 and Counter32/Gauge32 as uint.
func ParseUint64SNMPValue(value interface{}) (uint64, bool) {
	switch v := value.(type) {
	case uint:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	default:
		return 0, false
	}
}

// ParseIntSNMPValue extracts an int64 from Integer and TimeTicks values.
func ParseIntSNMPValue(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	default:
		return 0, false
	}
}

// ParseStringSNMPValue extracts a string from SNMP result.
// Handles both string and []byte types.
func ParseStringSNMPValue(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}
