package config

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParse(t *testing.T) {
	input := `# comment line
8080,example.com,9090
8081,10.0.0.5
9000,
`
	rules, err := parse(zerolog.Nop(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse returned unexpected error: %v", err)
	}
	// A line whose first field isn't a valid port must fail ParseUint ->
	// return an error, not silently skip.
	t.Run("invalid port is an error", func(t *testing.T) {
		_, err := parse(zerolog.Nop(), strings.NewReader(",missing-port\n"))
		if err == nil {
			t.Fatal("expected an error for a missing port field")
		}
	})

	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2: %+v", len(rules), rules)
	}
	if rules[0].ListenPort != 8080 || rules[0].UpstreamHost != "example.com" || rules[0].UpstreamPort != "9090" {
		t.Errorf("rule 0 = %+v", rules[0])
	}
	if rules[1].ListenPort != 8081 || rules[1].UpstreamHost != "10.0.0.5" || rules[1].UpstreamPort != "8081" {
		t.Errorf("rule 1 (defaulted upstream port) = %+v", rules[1])
	}
}

func TestParseSkipsRuleWithoutUpstreamHost(t *testing.T) {
	rules, err := parse(zerolog.Nop(), strings.NewReader("9000,\n9001\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("expected both malformed rules to be skipped, got %+v", rules)
	}
}

func TestParsePreservesHostWhitespaceVerbatim(t *testing.T) {
	rules, err := parse(zerolog.Nop(), strings.NewReader("6000,  host\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("got %d rules, want 1: %+v", len(rules), rules)
	}
	if rules[0].UpstreamHost != "  host" {
		t.Errorf("UpstreamHost = %q, want %q (verbatim, not trimmed)", rules[0].UpstreamHost, "  host")
	}
}

func TestParseFlagsDefaults(t *testing.T) {
	f, err := ParseFlags(nil)
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if f.ConfigPath != "forward.conf" {
		t.Errorf("ConfigPath = %q, want forward.conf", f.ConfigPath)
	}
	if f.Debug {
		t.Errorf("Debug = true, want false by default")
	}
}

func TestParseFlagsOverride(t *testing.T) {
	f, err := ParseFlags([]string{"--config", "custom.conf", "--debug", "--admin-addr", ":9999"})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if f.ConfigPath != "custom.conf" || !f.Debug || f.AdminAddr != ":9999" {
		t.Errorf("got %+v", f)
	}
}
