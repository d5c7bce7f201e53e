package cliconf

import (
	"regexp"

	"netcli-daemon/internal/terminal"
)

// VyOS changes are staged with set/delete and applied by commit.
var VyOS = &Platform{
	Name: "vyos",
	Patterns: terminal.MustCompile(
		[]string{
			`[\r\n]?[\w+\-\.:\/\[\]]+(?:\([^\)]+\)){0,3}(?:>|#) ?$`,
			`\@[\w\-\.]+:\S+?[>#\$] ?$`,
		},
		[]string{
			`\n\s*Invalid command:`,
			`\nCommit failed`,
			`\n\s+Set failed`,
		},
		nil,
	),
	Banner: regexp.MustCompile(`VyOS|Vyatta`),
	New:    newDriver(vyosDialect),
}

var vyosDialect = &dialect{
	name:  "vyos",
	setup: []string{"set terminal length 0", "set terminal width 512"},
	sources: map[string]string{
		"running": "show configuration commands",
	},
	configEnter: []string{"configure"},
	configLeave: []string{"commit", "exit"},
	// Operational mode ends in $, configuration mode in #.
	configMode:      regexp.MustCompile(`#\s*$`),
	configAbort:     []string{"exit discard"},
	versionCommand:  "show version",
	hostnameCommand: "show host name",
	version:         regexp.MustCompile(`(?m)^Version:\s*VyOS (\S+)`),
	model:           regexp.MustCompile(`(?m)^HW model:\s*(.+)$`),
	hostname:        regexp.MustCompile(`(?m)^(\S+)\s*$`),
}
