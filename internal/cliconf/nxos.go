package cliconf

import (
	"regexp"

	"netcli-daemon/internal/terminal"
)

// NXOS is Cisco NX-OS. Access is role based, so there is no enable step.
var NXOS = &Platform{
	Name: "nxos",
	Patterns: terminal.MustCompile(
		[]string{
			`[\r\n]?[a-zA-Z0-9_][a-zA-Z0-9\-_.]*[>#]\s*$`,
			`[\r\n]?[a-zA-Z0-9][a-zA-Z0-9\-_.]*\(.+\)#\s*$`,
		},
		[]string{
			`% ?Error`,
			`(?mi)^error:`,
			`(?m)^% \w+`,
			`% ?Bad secret`,
			`(?i)invalid input`,
			`(?i)(?:incomplete|ambiguous) command`,
			`(?i)connection timed out`,
			`(?i)[^\r\n]+ not found`,
			`'[^']' +returned error code: ?\d+`,
			`(?i)syntax error`,
			`(?i)unknown command`,
			`(?i)user not present`,
		},
		nil,
	),
	Banner: regexp.MustCompile(`Cisco Nexus Operating System|NX-OS`),
	New:    newDriver(nxosDialect),
}

var nxosDialect = &dialect{
	name:  "nxos",
	setup: []string{"terminal length 0", "terminal width 511"},
	sources: map[string]string{
		"running": "show running-config",
		"startup": "show startup-config",
	},
	configEnter:    []string{"configure terminal"},
	configLeave:    []string{"end"},
	configMode:     regexp.MustCompile(`\(config[^\)]*\)#\s*$`),
	configAbort:    []string{"end"},
	versionCommand: "show version",
	version:        regexp.MustCompile(`(?m)(?:NXOS|system):\s+version (\S+)`),
	model:          regexp.MustCompile(`(?m)^\s*cisco (.+) [Cc]hassis`),
	hostname:       regexp.MustCompile(`(?m)^\s*Device name:\s*(\S+)`),
}
