package cliconf

import (
	"regexp"

	"netcli-daemon/internal/terminal"
)

// IOS is Cisco IOS and IOS-XE.
var IOS = &Platform{
	Name: "ios",
	Patterns: terminal.MustCompile(
		[]string{
			`[\r\n]?[\w+\-\.:\/\[\]]+(?:\([^\)]+\)){0,3}(?:>|#) ?$`,
			`\[\w+\@[\w\-\.]+(?: [^\]])\] ?[>#\$] ?$`,
		},
		[]string{
			`% ?Error`,
			`% ?Bad secret`,
			`(?i)invalid input`,
			`(?i)(?:incomplete|ambiguous) command`,
			`(?i)connection timed out`,
			`(?i)[^\r\n]+ not found`,
			`'[^']' +returned error code: ?\d+`,
		},
		nil,
	),
	Banner: regexp.MustCompile(`Cisco IOS Software|Cisco Internetwork Operating System`),
	New:    newDriver(iosDialect),
}

var iosDialect = &dialect{
	name:           "ios",
	enableMode:     true,
	enablePassword: `[\r\n]?password: ?$`,
	setup:          []string{"terminal length 0", "terminal width 512"},
	sources: map[string]string{
		"running": "show running-config",
		"startup": "show startup-config",
	},
	configEnter:    []string{"configure terminal"},
	configLeave:    []string{"end"},
	configMode:     regexp.MustCompile(`\(config[^\)]*\)#\s*$`),
	configAbort:    []string{"end"},
	versionCommand: "show version",
	version:        regexp.MustCompile(`Version (\S+),`),
	model:          regexp.MustCompile(`(?m)^[Cc]isco (.+) \(revision`),
	hostname:       regexp.MustCompile(`(?m)^(\S+) uptime`),
}
