package common

import (
	"fmt"
	"testing"
)

func TestCleanOutput(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "empty string",
			input: "",
			want:  "",
		},
		{
			name:  "red text",
			input: "\x1b[31mError\x1b[0m",
			want:  "Error",
		},
		{
			name:  "crlf line endings",
			input: "line1\r\nline2\r\n",
			want:  "line1\nline2\n",
		},
		{
			name:  "huawei pager marker",
			input: "a\n  ---- More ( Press 'Q' to break ) ----\x08\x08\x08\x08b",
			want:  "a\n  b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CleanOutput(tt.input)
			if got != tt.want {
				t.Errorf("CleanOutput(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLines(t *testing.T) {
	got := Lines("\x1b[1mfirst\x1b[0m\r\n\r\n   second  \n")
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("Lines() = %q, want [first second]", got)
	}
}

func TestClassifyOutput(t *testing.T) {
	tests := []struct {
		name        string
		output      string
		want        ErrorCode
		recoverable bool
	}{
		{"huawei duplicate", "  Failure: SN already exists", ErrONUExists, false},
		{"zte duplicate", "%Code 32310-GPONSRV : The ONU is already registered.", ErrONUExists, false},
		{"locked", "Error: configuration is locked by admin", ErrConfigLocked, true},
		{"missing profile", "% line profile does not exist", ErrProfileMissing, false},
		{"unknown command", "% Unknown command.", ErrUnknownCommand, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := ClassifyOutput("cmd", tt.output)
			if ce == nil {
				t.Fatalf("ClassifyOutput(%q) = nil, want %s", tt.output, tt.want)
			}
			if ce.Code != tt.want {
				t.Errorf("Code = %s, want %s", ce.Code, tt.want)
			}
			if ce.Recoverable != tt.recoverable {
				t.Errorf("Recoverable = %v, want %v", ce.Recoverable, tt.recoverable)
			}
		})
	}

	if ce := ClassifyOutput("display ont info 0 all", "F/S/P 0/1/0 ONT-ID 1"); ce != nil {
		t.Errorf("ClassifyOutput on clean output = %v, want nil", ce)
	}
}

func TestErrorCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("register: %w", ClassifyOutput("ont add", "Failure: already exist"))
	if got := ErrorCodeOf(err); got != ErrONUExists {
		t.Errorf("ErrorCodeOf() = %s, want %s", got, ErrONUExists)
	}
	if got := ErrorCodeOf(fmt.Errorf("plain")); got != ErrUnknown {
		t.Errorf("ErrorCodeOf(plain) = %s, want %s", got, ErrUnknown)
	}
}

func TestSNMPHelpers(t *testing.T) {
	results := map[string]interface{}{
		".1.3.6.1.2.1.31.1.1.1.1.1": "ether1",
		".1.3.6.1.2.1.31.1.1.1.1.2": []byte("ether2"),
		".1.3.6.1.2.1.1.3.0":        uint32(4200),
	}

	if v, ok := GetSNMPResult(results, OIDSysUpTime); !ok || v.(uint32) != 4200 {
		t.Errorf("GetSNMPResult(sysUpTime) = %v, %v", v, ok)
	}

	names := ByIndex(results, OIDIfName)
	if len(names) != 2 {
		t.Fatalf("ByIndex() returned %d rows, want 2", len(names))
	}
	if s, ok := ParseStringSNMPValue(names["2"]); !ok || s != "ether2" {
		t.Errorf("ParseStringSNMPValue(names[2]) = %q, %v", s, ok)
	}

	if _, ok := ParseUint64SNMPValue(-1); ok {
		t.Error("ParseUint64SNMPValue(-1) should fail")
	}
	if v, ok := ParseUint64SNMPValue(uint64(1 << 40)); !ok || v != 1<<40 {
		t.Errorf("ParseUint64SNMPValue(1<<40) = %d, %v", v, ok)
	}
}
