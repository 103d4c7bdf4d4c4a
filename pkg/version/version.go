// Package version exposes the build identity used in startup log lines.
package version

import "runtime/debug"

// commit is set via -ldflags for container builds where .git is absent.
var commit string

// Full returns "nooble/<short commit>", or "nooble/dev" when no commit is
// known (go test, non-git builds).
func Full() string {
	c := commit
	if c == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					c = s.Value
					break
				}
			}
		}
	}
	if c == "" {
		c = "dev"
	}
	if len(c) > 8 {
		c = c[:8]
	}
	return "nooble/" + c
}
