package version

import (
	"runtime/debug"
	"strings"
)

// SemVer is set at build time for releases.
//
// Example:
//
//	-ldflags "-X github.com/agentforge/deskrun/internals/version.SemVer=1.2.3"
var SemVer = "0.0.0-dev"

// Version returns SemVer with the VCS revision as build metadata when the
// binary carries one, e.g. 1.2.3+a1b2c3d4e5f6 or 0.0.0-dev+a1b2c3d4e5f6.dirty.
func Version() string {
	v := strings.TrimSpace(SemVer)
	if v == "" {
		v = "0.0.0-dev"
	}
	rev, dirty := revision()
	if rev == "" {
		return v
	}
	if dirty {
		rev += ".dirty"
	}
	if strings.Contains(v, "+") {
		return v + "." + rev
	}
	return v + "+" + rev
}

func revision() (string, bool) {
	info, ok := debug.ReadBuildInfo()
	if !ok || info == nil {
		return "", false
	}
	var rev string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = strings.TrimSpace(s.Value)
		case "vcs.modified":
			v := strings.ToLower(strings.TrimSpace(s.Value))
			dirty = v == "true" || v == "1"
		}
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	return rev, dirty
}
