package common

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a normalized code for OLT CLI error output
type ErrorCode string

const (
	ErrONUExists      ErrorCode = "ONU_EXISTS"
	ErrONUNotFound    ErrorCode = "ONU_NOT_FOUND"
	ErrInvalidSerial  ErrorCode = "INVALID_SERIAL"
	ErrConfigLocked   ErrorCode = "CONFIG_LOCKED"
	ErrPortNotFound   ErrorCode = "PORT_NOT_FOUND"
	ErrONUFull        ErrorCode = "ONU_FULL"
	ErrProfileMissing ErrorCode = "PROFILE_MISSING"
	ErrVLANInvalid    ErrorCode = "VLAN_INVALID"
	ErrUnknownCommand ErrorCode = "UNKNOWN_CMD"
	ErrAuthFailed     ErrorCode = "AUTH_FAILED"
	ErrUnknown        ErrorCode = "UNKNOWN"
)

// ErrorMapping maps an error pattern to a human-readable description
type ErrorMapping struct {
	Pattern     string
	Code        ErrorCode
	Human       string
	Action      string
	Recoverable bool
}

// errorPatterns is matched in order against lowercased output; the first
// match wins, so more specific patterns come first.
var errorPatterns = []ErrorMapping{
	{"already exist", ErrONUExists, "ONU is already registered on this OLT", "None, registration has converged", false},
	{"sn already", ErrONUExists, "Serial is already bound to an ONU", "None, registration has converged", false},
	{"is already registered", ErrONUExists, "ONU is already registered on this OLT", "None, registration has converged", false},
	{"onu not found", ErrONUNotFound, "ONU is not registered", "Verify ONU serial and PON port", false},
	{"the ont does not exist", ErrONUNotFound, "ONU does not exist at this location", "Check PON port and ONU ID", false},
	{"no onu", ErrONUNotFound, "ONU does not exist at this location", "Check PON port and ONU ID", false},
	{"invalid serial", ErrInvalidSerial, "Serial number format is invalid", "Verify serial number matches ONU label", false},
	{"configuration is locked", ErrConfigLocked, "Another session has the configuration lock", "Retry when the lock is released", true},
	{"config lock", ErrConfigLocked, "Configuration is locked by another user", "Retry when the lock is released", true},
	{"port not exist", ErrPortNotFound, "PON port does not exist", "Verify PON port number", false},
	{"interface not found", ErrPortNotFound, "Interface does not exist", "Verify interface name matches OLT configuration", false},
	{"onu id is full", ErrONUFull, "Maximum ONUs reached on this PON port", "Delete unused ONUs to free slots", false},
	{"no available onu-id", ErrONUFull, "No free ONU IDs available on this port", "Remove inactive ONUs or use a different port", false},
	{"profile not found", ErrProfileMissing, "Line or service profile does not exist", "Create the profile first", false},
	{"profile does not exist", ErrProfileMissing, "Line or service profile does not exist", "Create the profile first", false},
	{"invalid vlan", ErrVLANInvalid, "VLAN ID is out of range", "Use VLAN ID between 1 and 4094", false},
	{"vlan not exist", ErrVLANInvalid, "VLAN is not configured on uplink", "Configure VLAN on upstream port first", false},
	{"unknown command", ErrUnknownCommand, "Command not supported by this firmware", "Check OLT firmware version", false},
	{"unrecognized command", ErrUnknownCommand, "Command not supported by this firmware", "Check OLT firmware version", false},
	{"incomplete command", ErrUnknownCommand, "Command is incomplete", "Check command parameters", false},
	{"invalid input", ErrUnknownCommand, "Invalid command syntax", "Check command parameters", false},
	{"authentication failed", ErrAuthFailed, "Authentication failed", "Check username and password", false},
	{"access denied", ErrAuthFailed, "Access denied", "Verify user has admin privileges", false},
}

// CommandError is a device-side error detected in command output
type CommandError struct {
	Command     string
	Output      string
	Code        ErrorCode
	Human       string
	Action      string
	Recoverable bool
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("[%s] %s on %q (action: %s)", e.Code, e.Human, e.Command, e.Action)
}

// ClassifyOutput inspects raw output for a known error pattern. It returns
// nil when the output carries no recognizable error.
func ClassifyOutput(command, output string) *CommandError {
	lower := strings.ToLower(CleanOutput(output))
	for _, m := range errorPatterns {
		if strings.Contains(lower, m.Pattern) {
			return &CommandError{
				Command:     command,
				Output:      output,
				Code:        m.Code,
				Human:       m.Human,
				Action:      m.Action,
				Recoverable: m.Recoverable,
			}
		}
	}
	return nil
}

// ErrorCodeOf returns the code of a CommandError anywhere in err's chain
func ErrorCodeOf(err error) ErrorCode {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrUnknown
}

// IsRecoverable returns true if the error can be retried
func IsRecoverable(err error) bool {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Recoverable
	}
	return false
}
