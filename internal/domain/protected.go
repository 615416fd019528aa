package domain

import "strings"

// protectedProcessNames are executables the engine must never terminate,
// whatever the policy says. Killing these destabilizes the host or kills
// the engine's own console. Deny rules that collide with this list are a
// load-time configuration error.
var protectedProcessNames = map[string]struct{}{
	// Windows core
	"system":        {},
	"registry":      {},
	"smss.exe":      {},
	"csrss.exe":     {},
	"wininit.exe":   {},
	"winlogon.exe":  {},
	"services.exe":  {},
	"lsass.exe":     {},
	"svchost.exe":   {},
	"explorer.exe":  {},
	"dwm.exe":       {},
	"taskhostw.exe": {},
	"conhost.exe":   {},
	"ctfmon.exe":    {},
	"sihost.exe":    {},

	// Shells and terminals hosting the engine itself
	"cmd.exe":             {},
	"powershell.exe":      {},
	"pwsh.exe":            {},
	"bash":                {},
	"bash.exe":            {},
	"sh":                  {},
	"zsh":                 {},
	"wt.exe":              {},
	"windowsterminal.exe": {},

	// Unix core
	"init":        {},
	"systemd":     {},
	"launchd":     {},
	"kernel_task": {},
}

// IsProtectedProcess reports whether the executable name may never be
// terminated.
func IsProtectedProcess(name string) bool {
	_, ok := protectedProcessNames[strings.ToLower(name)]
	return ok
}
