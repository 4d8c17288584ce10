// Package huawei implements the MA5600T/MA5800 GPON command set.
package huawei

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nanoncore/nano-reconciler/types"
	"github.com/nanoncore/nano-reconciler/vendors/common"
)

var (
	rxPowerRe  = regexp.MustCompile(`rx\s*optical\s*power\s*(?:\(dbm\))?[:\s]+(-?\d+\.?\d*)`)
	fspRe      = regexp.MustCompile(`^(\d+)/\s*(\d+)/\s*(\d+)$`)
	runStateRe = regexp.MustCompile(`(?i)run\s*state\s*:\s*(\w+)`)
	fspLineRe  = regexp.MustCompile(`(?i)f/s/p\s*:\s*(\d+/\s*\d+/\s*\d+)`)
	ontIDRe    = regexp.MustCompile(`(?i)ont-id\s*:\s*(\d+)`)
)

// CommandSet builds Huawei SmartAX command sequences. Interfaces are
// addressed as frame/slot/port.
type CommandSet struct {
	// GemPort is the GEM port bound to the service port
	GemPort int
}

// New returns a command set with the default GEM port
func New() *CommandSet {
	return &CommandSet{GemPort: 1}
}

func (c *CommandSet) Vendor() types.Vendor { return types.VendorHuawei }

func (c *CommandSet) EnterConfig() []string { return []string{"enable", "config"} }

func (c *CommandSet) ExitConfig() []string { return []string{"quit"} }

func (c *CommandSet) SaveCommands() []string { return []string{"save"} }

// RegisterCommands adds the ONT with serial authentication, sets the native
// VLAN on its first ethernet port and creates the service port.
func (c *CommandSet) RegisterCommands(serial string, cfg types.ONUConfig) []string {
	frame, slot, port, ok := splitFSP(cfg.Interface)
	if !ok {
		return nil
	}
	desc := cfg.Description
	if desc == "" {
		desc = serial
	}
	cmds := []string{
		fmt.Sprintf("interface gpon %d/%d", frame, slot),
		fmt.Sprintf("ont add %d %d sn-auth %s omci ont-lineprofile-name %s ont-srvprofile-name %s desc %s",
			port, cfg.ONUIndex, serial, cfg.Profile, cfg.Profile, quoteDesc(desc)),
		fmt.Sprintf("ont port native-vlan %d %d eth 1 vlan %d priority 0", port, cfg.ONUIndex, cfg.VLAN),
		"quit",
		fmt.Sprintf("service-port vlan %d gpon %d/%d/%d ont %d gemport %d multi-service user-vlan %d tag-transform translate",
			cfg.VLAN, frame, slot, port, cfg.ONUIndex, c.GemPort, cfg.VLAN),
	}
	return cmds
}

func (c *CommandSet) DeregisterCommands(iface string, onuIndex int) []string {
	frame, slot, port, ok := splitFSP(iface)
	if !ok {
		return nil
	}
	return []string{
		fmt.Sprintf("undo service-port port %d/%d/%d ont %d", frame, slot, port, onuIndex),
		fmt.Sprintf("interface gpon %d/%d", frame, slot),
		fmt.Sprintf("ont delete %d %d", port, onuIndex),
		"quit",
	}
}

func (c *CommandSet) RebootCommands(iface string, onuIndex int) []string {
	frame, slot, port, ok := splitFSP(iface)
	if !ok {
		return nil
	}
	return []string{
		fmt.Sprintf("interface gpon %d/%d", frame, slot),
		fmt.Sprintf("ont reset %d %d", port, onuIndex),
		"quit",
	}
}

func (c *CommandSet) SignalCommands(iface string, onuIndex int) []string {
	frame, slot, port, ok := splitFSP(iface)
	if !ok {
		return nil
	}
	return []string{
		fmt.Sprintf("interface gpon %d/%d", frame, slot),
		fmt.Sprintf("display ont optical-info %d %d", port, onuIndex),
		"quit",
	}
}

// ParseSignal reads "Rx optical power(dBm)" from optical-info output
func (c *CommandSet) ParseSignal(output string) (float64, bool) {
	lower := strings.ToLower(common.CleanOutput(output))
	m := rxPowerRe.FindStringSubmatch(lower)
	if len(m) < 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (c *CommandSet) AutofindCommands() []string {
	return []string{"display ont autofind all"}
}

// ParseAutofind handles the tabular autofind layout:
//
//	F/S/P   ONT  SN                VendorID  EquipmentID  Time
//	0/1/0   1    485754430A2C4F13  HWTC      HG8245Q2     2024-01-15 10:30:00
func (c *CommandSet) ParseAutofind(output string) []types.ONUDiscovery {
	return parseAutofind(output, time.Now())
}

func parseAutofind(output string, now time.Time) []types.ONUDiscovery {
	var found []types.ONUDiscovery
	for _, line := range common.Lines(common.CleanOutput(output)) {
		if strings.HasPrefix(line, "F/S/P") || strings.HasPrefix(line, "-") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		if _, _, _, ok := splitFSP(fields[0]); !ok {
			continue
		}
		found = append(found, types.ONUDiscovery{
			Serial:       fields[2],
			Interface:    fields[0],
			Model:        fields[4],
			DiscoveredAt: now,
		})
	}
	return found
}

func (c *CommandSet) FindSerialCommands(serial string) []string {
	return []string{fmt.Sprintf("display ont info by-sn %s", serial)}
}

// ParseFindSerial reads the key/value block printed by "display ont info by-sn"
func (c *CommandSet) ParseFindSerial(output, serial string) (types.ONUInfo, bool) {
	clean := common.CleanOutput(output)
	fsp := fspLineRe.FindStringSubmatch(clean)
	id := ontIDRe.FindStringSubmatch(clean)
	if len(fsp) < 2 || len(id) < 2 {
		return types.ONUInfo{}, false
	}
	idx, err := strconv.Atoi(id[1])
	if err != nil {
		return types.ONUInfo{}, false
	}
	info := types.ONUInfo{
		Interface: strings.ReplaceAll(fsp[1], " ", ""),
		ONUIndex:  idx,
		Serial:    serial,
	}
	if rs := runStateRe.FindStringSubmatch(clean); len(rs) > 1 {
		info.IsOnline = strings.EqualFold(rs[1], "online")
	}
	return info, true
}

func (c *CommandSet) ListCommands() []string {
	return []string{"display ont info 0 all"}
}

// ParseList handles the summary table of "display ont info 0 all":
//
//	F/S/P   ONT  SN                Control  Run     Config  Match  Protect
//	0/1/0   1    485754430A2C4F13  active   online  normal  match  no
func (c *CommandSet) ParseList(output string) []types.ONUInfo {
	var onus []types.ONUInfo
	for _, line := range common.Lines(common.CleanOutput(output)) {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		if _, _, _, ok := splitFSP(fields[0]); !ok {
			continue
		}
		idx, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		onus = append(onus, types.ONUInfo{
			Interface: fields[0],
			ONUIndex:  idx,
			Serial:    fields[2],
			IsOnline:  strings.EqualFold(fields[4], "online"),
		})
	}
	return onus
}

func splitFSP(iface string) (frame, slot, port int, ok bool) {
	m := fspRe.FindStringSubmatch(strings.TrimSpace(iface))
	if len(m) != 4 {
		return 0, 0, 0, false
	}
	frame, _ = strconv.Atoi(m[1])
	slot, _ = strconv.Atoi(m[2])
	port, _ = strconv.Atoi(m[3])
	return frame, slot, port, true
}

func quoteDesc(s string) string {
	s = strings.ReplaceAll(s, "\"", "")
	if strings.ContainsAny(s, " \t") {
		return "\"" + s + "\""
	}
	return s
}
