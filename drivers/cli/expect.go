package cli

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	expect "github.com/google/goexpect"
	"golang.org/x/crypto/ssh"

	"github.com/nanoncore/nano-reconciler/types"
	"github.com/nanoncore/nano-reconciler/vendors/common"
)

// DefaultPromptPattern matches common CLI prompts like "hostname#" or "hostname>"
var DefaultPromptPattern = regexp.MustCompile(`(?m)[\w\-\[\]()]+[#>]\s*$`)

// VendorPrompts contains vendor-specific prompt patterns
var VendorPrompts = map[types.Vendor]*regexp.Regexp{
	types.VendorHuawei: regexp.MustCompile(`(?m)[\w\-]+(\([\w\-/:]+\))?[#>]\s*$`),
	types.VendorVSOL:   regexp.MustCompile(`(?m)[\w\-]+(\([\w\-/]+\))?[#>]\s*$`),
	types.VendorZTE:    regexp.MustCompile(`(?m)[\w\-]+(\([\w\-/:]+\))?#\s*$`),
}

// PagerDisableCommands contains commands to disable paging per vendor
var PagerDisableCommands = map[types.Vendor]string{
	types.VendorHuawei: "scroll 512",
	types.VendorVSOL:   "terminal length 0",
	types.VendorZTE:    "terminal length 0",
}

var (
	loginPrompt    = regexp.MustCompile(`(?i)(user\s*name|login)\s*:\s*$`)
	passwordPrompt = regexp.MustCompile(`(?i)password\s*:\s*$`)
)

// ExpectSession wraps google/goexpect for network equipment CLI interaction
type ExpectSession struct {
	expecter *expect.GExpect
	promptRE *regexp.Regexp
	timeout  time.Duration
	vendor   types.Vendor
}

// ExpectSessionConfig holds configuration for creating an expect session
type ExpectSessionConfig struct {
	SSHClient    *ssh.Client
	Vendor       types.Vendor
	Timeout      time.Duration
	CustomPrompt *regexp.Regexp
	DisablePager bool

	// Username and Password answer an in-band login banner. Some OLTs ask
	// for credentials again after SSH authentication succeeds.
	Username string
	Password string
}

// PromptFor returns the prompt pattern for a vendor
func PromptFor(vendor types.Vendor) *regexp.Regexp {
	if re, ok := VendorPrompts[vendor]; ok {
		return re
	}
	return DefaultPromptPattern
}

// NewExpectSession creates a new interactive CLI session using expect
func NewExpectSession(cfg ExpectSessionConfig) (*ExpectSession, error) {
	if cfg.SSHClient == nil {
		return nil, fmt.Errorf("SSH client is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	promptRE := cfg.CustomPrompt
	if promptRE == nil {
		promptRE = PromptFor(cfg.Vendor)
	}

	exp, _, err := expect.SpawnSSH(cfg.SSHClient, cfg.Timeout,
		expect.Verbose(false),
		expect.CheckDuration(100*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn SSH expect session: %w", err)
	}

	session := &ExpectSession{
		expecter: exp,
		promptRE: promptRE,
		timeout:  cfg.Timeout,
		vendor:   cfg.Vendor,
	}

	if err := session.login(cfg.Username, cfg.Password); err != nil {
		exp.Close()
		return nil, err
	}

	// Non-fatal: output parsing also strips pager residue
	if cfg.DisablePager {
		_, _ = session.Execute(pagerCommand(cfg.Vendor))
	}

	return session, nil
}

// login waits for the first prompt, answering an in-band login banner if
// the device presents one.
func (s *ExpectSession) login(username, password string) error {
	first := regexp.MustCompile(`(?:` + s.promptRE.String() + `)|(?:` + loginPrompt.String() + `)|(?:` + passwordPrompt.String() + `)`)
	out, _, err := s.expecter.Expect(first, s.timeout)
	if err != nil {
		return fmt.Errorf("failed to detect initial prompt: %w", err)
	}

	if loginPrompt.MatchString(out) {
		if err := s.expecter.Send(username + "\n"); err != nil {
			return fmt.Errorf("failed to send username: %w", err)
		}
		if out, _, err = s.expecter.Expect(passwordPrompt, s.timeout); err != nil {
			return fmt.Errorf("no password prompt after username: %w", err)
		}
	}
	if passwordPrompt.MatchString(out) {
		if err := s.expecter.Send(password + "\n"); err != nil {
			return fmt.Errorf("failed to send password: %w", err)
		}
		if _, _, err := s.expecter.Expect(s.promptRE, s.timeout); err != nil {
			return fmt.Errorf("%w: in-band login rejected", types.ErrNotConnected)
		}
	}
	return nil
}

func pagerCommand(vendor types.Vendor) string {
	if cmd := PagerDisableCommands[vendor]; cmd != "" {
		return cmd
	}
	return "terminal length 0"
}

// Execute sends a command and waits for the prompt, returning the output
func (s *ExpectSession) Execute(command string) (string, error) {
	if s.expecter == nil {
		return "", fmt.Errorf("expect session not initialized")
	}

	if err := s.expecter.Send(command + "\n"); err != nil {
		return "", fmt.Errorf("failed to send command: %w", err)
	}

	output, _, err := s.expecter.Expect(s.promptRE, s.timeout)
	if err != nil {
		return output, fmt.Errorf("timeout waiting for prompt after command %q: %w", command, err)
	}

	return s.cleanOutput(output, command), nil
}

// cleanOutput removes command echo and prompt from output
func (s *ExpectSession) cleanOutput(output, command string) string {
	lines := strings.Split(common.CleanOutput(output), "\n")
	cleaned := make([]string, 0, len(lines))

	for i, line := range lines {
		if i == 0 && strings.Contains(line, command) {
			continue
		}
		if s.promptRE.MatchString(strings.TrimSpace(line)) {
			continue
		}
		cleaned = append(cleaned, line)
	}

	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}

// Close closes the expect session
func (s *ExpectSession) Close() error {
	if s.expecter != nil {
		return s.expecter.Close()
	}
	return nil
}
