// Package vsol implements the V-SOL V1600 series GPON command set.
package vsol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nanoncore/nano-reconciler/types"
	"github.com/nanoncore/nano-reconciler/vendors/common"
)

// DefaultONUType is the ONU type used when a registration does not name one
const DefaultONUType = "router"

var (
	portRe      = regexp.MustCompile(`^\d+/\d+$`)
	onuIndexRe  = regexp.MustCompile(`(?i)^(?:GPON)?(\d+/\d+):(\d+)$`)
	autofindRe  = regexp.MustCompile(`^\d+/\d+/(\d+):\d+$`)
	rxRe        = regexp.MustCompile(`(?:onu[_\s]*)?rx[_\s]*power[:\s]+(-?\d+\.?\d*)`)
	infoPortRe  = regexp.MustCompile(`port[:\s]+(\d+/\d+)`)
	infoIDRe    = regexp.MustCompile(`onu[_\s]*id[:\s]+(\d+)`)
	infoStateRe = regexp.MustCompile(`(?:phase|status|state)[:\s]+(\w+)`)
)

// CommandSet builds V-SOL command sequences. Interfaces are addressed as
// slot/port, for example "0/1".
type CommandSet struct{}

func New() *CommandSet { return &CommandSet{} }

func (c *CommandSet) Vendor() types.Vendor { return types.VendorVSOL }

func (c *CommandSet) EnterConfig() []string { return []string{"enable", "configure terminal"} }

func (c *CommandSet) ExitConfig() []string { return []string{"end"} }

func (c *CommandSet) SaveCommands() []string { return []string{"write"} }

func (c *CommandSet) RegisterCommands(serial string, cfg types.ONUConfig) []string {
	if !portRe.MatchString(cfg.Interface) {
		return nil
	}
	onuType := cfg.ONUType
	if onuType == "" {
		onuType = DefaultONUType
	}
	cmds := []string{
		"interface gpon " + cfg.Interface,
		fmt.Sprintf("onu %d type %s sn %s", cfg.ONUIndex, onuType, serial),
		fmt.Sprintf("onu profile %d line-profile %s service-profile %s", cfg.ONUIndex, cfg.Profile, cfg.Profile),
		fmt.Sprintf("onu vlan %d user-vlan %d priority 0", cfg.ONUIndex, cfg.VLAN),
	}
	if cfg.Description != "" {
		cmds = append(cmds, fmt.Sprintf("onu description %d %s", cfg.ONUIndex, strings.ReplaceAll(cfg.Description, " ", "_")))
	}
	return append(cmds, fmt.Sprintf("no onu disable %d", cfg.ONUIndex), "exit")
}

func (c *CommandSet) DeregisterCommands(iface string, onuIndex int) []string {
	if !portRe.MatchString(iface) {
		return nil
	}
	return []string{"interface gpon " + iface, fmt.Sprintf("no onu %d", onuIndex), "exit"}
}

func (c *CommandSet) RebootCommands(iface string, onuIndex int) []string {
	if !portRe.MatchString(iface) {
		return nil
	}
	return []string{"interface gpon " + iface, fmt.Sprintf("onu reboot %d", onuIndex), "exit"}
}

func (c *CommandSet) SignalCommands(iface string, onuIndex int) []string {
	if !portRe.MatchString(iface) {
		return nil
	}
	return []string{fmt.Sprintf("show onu optical gpon %s %d", iface, onuIndex)}
}

func (c *CommandSet) ParseSignal(output string) (float64, bool) {
	m := rxRe.FindStringSubmatch(strings.ToLower(common.CleanOutput(output)))
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
	return []string{"show onu auto-find"}
}

// ParseAutofind handles:
//
//	OnuIndex                 Sn                       State
//	1/1/1:1                  FHTT99990001             unknow
//
// The OnuIndex column is rack/slot/port:seq and maps to interface 0/port.
func (c *CommandSet) ParseAutofind(output string) []types.ONUDiscovery {
	now := time.Now()
	var found []types.ONUDiscovery
	for _, line := range common.Lines(output) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		iface := interfaceFromAutofindIndex(fields[0])
		if iface == "" {
			continue
		}
		found = append(found, types.ONUDiscovery{Serial: fields[1], Interface: iface, DiscoveredAt: now})
	}
	return found
}

func interfaceFromAutofindIndex(idx string) string {
	m := autofindRe.FindStringSubmatch(idx)
	if m == nil {
		return ""
	}
	return "0/" + m[1]
}

func (c *CommandSet) FindSerialCommands(serial string) []string {
	return []string{"show onu sn " + serial}
}

func (c *CommandSet) ParseFindSerial(output, serial string) (types.ONUInfo, bool) {
	lower := strings.ToLower(common.CleanOutput(output))
	port := infoPortRe.FindStringSubmatch(lower)
	id := infoIDRe.FindStringSubmatch(lower)
	if port == nil || id == nil {
		return types.ONUInfo{}, false
	}
	idx, err := strconv.Atoi(id[1])
	if err != nil {
		return types.ONUInfo{}, false
	}
	info := types.ONUInfo{Interface: port[1], ONUIndex: idx, Serial: serial}
	if st := infoStateRe.FindStringSubmatch(lower); st != nil {
		info.IsOnline = st[1] == "online" || st[1] == "working" || st[1] == "active"
	}
	return info, true
}

func (c *CommandSet) ListCommands() []string {
	return []string{"show onu info"}
}

// ParseList handles the V1600 layout:
//
//	Onuindex   Model      Profile    Mode   AuthInfo
//	GPON0/1:1  V2802GWT   line-100M  sn     VSOL12345678
//
// Units listed here are authenticated, so they are reported online.
func (c *CommandSet) ParseList(output string) []types.ONUInfo {
	var onus []types.ONUInfo
	for _, line := range common.Lines(output) {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		m := onuIndexRe.FindStringSubmatch(fields[0])
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		onus = append(onus, types.ONUInfo{Interface: m[1], ONUIndex: idx, Serial: fields[4], IsOnline: true})
	}
	return onus
}
