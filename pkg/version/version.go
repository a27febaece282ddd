// Package version identifies the running loom build in logs and
// user-agent strings.
package version

import (
	"runtime/debug"
	"sync"
)

// AppName prefixes every version string.
const AppName = "loom"

// commitOverride can be injected with -ldflags for builds that have no
// .git directory, e.g. container images built from a source tarball.
var commitOverride string

// Commit returns the abbreviated VCS revision the binary was built from,
// or "dev" when none is recorded (go test, builds outside a checkout).
var Commit = sync.OnceValue(func() string {
	if commitOverride != "" {
		return short(commitOverride)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
})

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full renders "loom/<commit>".
func Full() string {
	return AppName + "/" + Commit()
}
