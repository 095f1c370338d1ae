// Package config loads the forwarding rule table and command-line flags for
// tcpforward.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// Rule is one line of the forwarding table: accept connections on
// ListenPort and relay them to UpstreamHost:UpstreamPort.
type Rule struct {
	ListenPort   uint16
	UpstreamHost string
	UpstreamPort string
}

// Flags holds the parsed command-line options.
type Flags struct {
	ConfigPath string
	Debug      bool
	AdminAddr  string
}

// ParseFlags parses os.Args[1:] (or args, for tests) into a Flags value:
// the rule table path, a debug logging toggle, and an admin HTTP address.
func ParseFlags(args []string) (Flags, error) {
	fs := pflag.NewFlagSet("tcpforward", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", "forward.conf", "path to the forwarding rule table")
	debug := fs.Bool("debug", false, "enable trace-level logging")
	adminAddr := fs.String("admin-addr", "", "address for the admin HTTP surface, e.g. :9090 (disabled if empty)")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	return Flags{ConfigPath: *cfgPath, Debug: *debug, AdminAddr: *adminAddr}, nil
}

// Load reads and parses the CSV-style forwarding rule table at path,
// logging a warning through log for every line skipped as malformed.
//
// Each non-blank line is "listen_port,upstream_host[,upstream_service]":
// the listen port is mandatory and must be a valid uint16, the upstream
// host is mandatory, and the upstream service/port defaults to the listen
// port's decimal string when omitted.
func Load(log zerolog.Logger, path string) ([]Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("forward.conf could not be located: %w", err)
	}
	defer f.Close()
	return parse(log, f)
}

// parse tokenizes each line on commas only, the way the original's
// strtok(buffer, ",\n") does. The whole line and the port and service
// fields are whitespace-trimmed, but the host field never is, so a host
// field like "  host" is passed through verbatim rather than silently
// corrected into something that might resolve.
func parse(log zerolog.Logger, r io.Reader) ([]Rule, error) {
	var rules []Rule
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		fields[0] = strings.TrimSpace(fields[0])
		if len(fields) >= 3 {
			fields[2] = strings.TrimSpace(fields[2])
		}

		port, err := strconv.ParseUint(fields[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid port in config file: %w", lineNo, err)
		}

		if len(fields) < 2 || fields[1] == "" {
			log.Warn().Int("line", lineNo).Msg("invalid rule format in config file, skipping")
			continue
		}
		host := fields[1]

		service := strconv.FormatUint(port, 10)
		if len(fields) >= 3 && fields[2] != "" {
			service = fields[2]
		}

		rules = append(rules, Rule{
			ListenPort:   uint16(port),
			UpstreamHost: host,
			UpstreamPort: service,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return rules, nil
}
