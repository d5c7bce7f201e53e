package cliconf

import (
	"regexp"

	"netcli-daemon/internal/terminal"
)

// EOS is Arista EOS over its CLI.
var EOS = &Platform{
	Name: "eos",
	Patterns: terminal.MustCompile(
		[]string{
			`[\r\n]?[\w+\-\.:\/\[\]]+(?:\([^\)]+\)){0,3}(?:>|#) ?$`,
			`\[\w+\@[\w\-\.]+(?: [^\]])\] ?[>#\$] ?$`,
		},
		[]string{
			`% ?Error`,
			`(?m)^% \w+`,
			`% User not present`,
			`% ?Bad secret`,
			`(?i)invalid input`,
			`(?i)(?:incomplete|ambiguous) command`,
			`(?i)connection timed out`,
			`(?i)[^\r\n]+ not found`,
			`'[^']' +returned error code: ?\d+`,
			`[^\r\n]\/bin\/(?:ba)?sh`,
			`% More than \d+ OSPF instance`,
			`% Subnet [0-9a-f.:/]+ overlaps`,
			`Maximum number of pending sessions has been reached`,
		},
		nil,
	),
	Banner: regexp.MustCompile(`Arista|vEOS`),
	New:    newDriver(eosDialect),
}

var eosDialect = &dialect{
	name:           "eos",
	enableMode:     true,
	enablePassword: `[\r\n]?password: ?$`,
	setup:          []string{"terminal length 0", "terminal width 512"},
	sources: map[string]string{
		"running": "show running-config",
		"startup": "show startup-config",
	},
	configEnter:     []string{"configure"},
	configLeave:     []string{"end"},
	configMode:      regexp.MustCompile(`\(config[^\)]*\)#\s*$`),
	configAbort:     []string{"end"},
	versionCommand:  "show version",
	hostnameCommand: "show hostname",
	version:         regexp.MustCompile(`Software image version: (\S+)`),
	model:           regexp.MustCompile(`(?m)^Arista (\S+)`),
	hostname:        regexp.MustCompile(`Hostname: (\S+)`),
}
