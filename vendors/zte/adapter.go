// Package zte implements the C300/C320 GPON command set.
package zte

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nanoncore/nano-reconciler/types"
	"github.com/nanoncore/nano-reconciler/vendors/common"
)

// DefaultONUType is used when a registration does not name one
const DefaultONUType = "ZTE-F660"

var (
	// gpon-onu_1/1/1:7
	onuRefRe = regexp.MustCompile(`gpon-onu_(\d+/\d+/\d+):(\d+)`)
	oltRe    = regexp.MustCompile(`^gpon-olt_(\d+/\d+/\d+)$`)
	rxRe     = regexp.MustCompile(`gpon-onu_\d+/\d+/\d+:\d+\s+(-?\d+\.?\d*)\s*\(?dbm\)?`)
)

// CommandSet builds ZTE ZXAN command sequences. Interfaces are addressed as
// gpon-olt_rack/shelf/slot; the bare rack/shelf/slot form is accepted too.
type CommandSet struct{}

func New() *CommandSet { return &CommandSet{} }

func (c *CommandSet) Vendor() types.Vendor { return types.VendorZTE }

func (c *CommandSet) EnterConfig() []string { return []string{"configure terminal"} }

func (c *CommandSet) ExitConfig() []string { return []string{"end"} }

func (c *CommandSet) SaveCommands() []string { return []string{"write"} }

// RegisterCommands binds the serial on the PON port, then sets up the
// T-CONT, GEM port and service port on the ONU interface.
func (c *CommandSet) RegisterCommands(serial string, cfg types.ONUConfig) []string {
	port, ok := portOf(cfg.Interface)
	if !ok {
		return nil
	}
	onuType := cfg.ONUType
	if onuType == "" {
		onuType = DefaultONUType
	}
	onu := fmt.Sprintf("gpon-onu_%s:%d", port, cfg.ONUIndex)
	cmds := []string{
		fmt.Sprintf("interface gpon-olt_%s", port),
		fmt.Sprintf("onu %d type %s sn %s", cfg.ONUIndex, onuType, serial),
		"exit",
		"interface " + onu,
	}
	if cfg.Description != "" {
		cmds = append(cmds, "name "+strings.ReplaceAll(cfg.Description, " ", "_"))
	}
	cmds = append(cmds,
		fmt.Sprintf("tcont 1 profile %s", cfg.Profile),
		"gemport 1 tcont 1",
		fmt.Sprintf("service-port 1 vport 1 user-vlan %d vlan %d", cfg.VLAN, cfg.VLAN),
		"exit",
		"pon-onu-mng "+onu,
		fmt.Sprintf("service ppp gemport 1 vlan %d", cfg.VLAN),
		"exit",
	)
	return cmds
}

func (c *CommandSet) DeregisterCommands(iface string, onuIndex int) []string {
	port, ok := portOf(iface)
	if !ok {
		return nil
	}
	return []string{
		fmt.Sprintf("interface gpon-olt_%s", port),
		fmt.Sprintf("no onu %d", onuIndex),
		"exit",
	}
}

func (c *CommandSet) RebootCommands(iface string, onuIndex int) []string {
	port, ok := portOf(iface)
	if !ok {
		return nil
	}
	return []string{
		fmt.Sprintf("pon-onu-mng gpon-onu_%s:%d", port, onuIndex),
		"reboot",
		"exit",
	}
}

func (c *CommandSet) SignalCommands(iface string, onuIndex int) []string {
	port, ok := portOf(iface)
	if !ok {
		return nil
	}
	return []string{fmt.Sprintf("show pon power onu-rx gpon-onu_%s:%d", port, onuIndex)}
}

// ParseSignal handles:
//
//	Onu                       Rx power
//	gpon-onu_1/1/1:7          -21.527(dbm)
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
	return []string{"show gpon onu uncfg"}
}

// ParseAutofind handles:
//
//	OnuIndex                 Sn                  State
//	gpon-onu_1/1/1:1         ZTEGC0A1B2C3        unknown
func (c *CommandSet) ParseAutofind(output string) []types.ONUDiscovery {
	now := time.Now()
	var found []types.ONUDiscovery
	for _, line := range common.Lines(output) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		m := onuRefRe.FindStringSubmatch(fields[0])
		if m == nil {
			continue
		}
		found = append(found, types.ONUDiscovery{
			Serial:       fields[1],
			Interface:    "gpon-olt_" + m[1],
			DiscoveredAt: now,
		})
	}
	return found
}

func (c *CommandSet) FindSerialCommands(serial string) []string {
	return []string{"show gpon onu by sn " + serial}
}

// ParseFindSerial reads the SearchResult block. The lookup does not report
// run state.
func (c *CommandSet) ParseFindSerial(output, serial string) (types.ONUInfo, bool) {
	m := onuRefRe.FindStringSubmatch(common.CleanOutput(output))
	if m == nil {
		return types.ONUInfo{}, false
	}
	idx, err := strconv.Atoi(m[2])
	if err != nil {
		return types.ONUInfo{}, false
	}
	return types.ONUInfo{Interface: "gpon-olt_" + m[1], ONUIndex: idx, Serial: serial}, true
}

func (c *CommandSet) ListCommands() []string {
	return []string{"show gpon onu baseinfo"}
}

// ParseList handles:
//
//	OnuIndex          Type        Mode    AuthInfo                 State
//	gpon-onu_1/1/1:1  ZTE-F660    sn      SN:ZTEGC0A1B2C3          ready
func (c *CommandSet) ParseList(output string) []types.ONUInfo {
	var onus []types.ONUInfo
	for _, line := range common.Lines(output) {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		m := onuRefRe.FindStringSubmatch(fields[0])
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		state := strings.ToLower(fields[4])
		onus = append(onus, types.ONUInfo{
			Interface: "gpon-olt_" + m[1],
			ONUIndex:  idx,
			Serial:    strings.TrimPrefix(fields[3], "SN:"),
			IsOnline:  state == "ready" || state == "working",
		})
	}
	return onus
}

func portOf(iface string) (string, bool) {
	iface = strings.TrimSpace(iface)
	if m := oltRe.FindStringSubmatch(iface); m != nil {
		return m[1], true
	}
	parts := strings.Split(iface, "/")
	if len(parts) != 3 {
		return "", false
	}
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err != nil {
			return "", false
		}
	}
	return iface, true
}
