// Package version holds build metadata stamped by the linker, for example
// -ldflags "-X github.com/pitabwire/relay/version.Version=v1.2.0".
package version //nolint:revive // package name intentionally matches build-info convention

import "fmt"

//nolint:gochecknoglobals //version information is set at build time
var (
	Repository = "github.com/pitabwire/relay"
	Version    string
	Commit     string
	Date       string
)

// String describes the running build; unstamped builds report "dev".
func String() string {
	v := Version
	if v == "" {
		v = "dev"
	}
	if Commit == "" {
		return v
	}
	return fmt.Sprintf("%s (%s, %s)", v, Commit, Date)
}
