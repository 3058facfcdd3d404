package version

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	goversion "github.com/hashicorp/go-version"
)

// Version information for the kiln CLI.
// These variables can be overridden at build time via -ldflags.

var (
	versionMajorColor = color.New(color.FgYellow, color.Bold)
	versionMinorColor = color.New(color.FgGreen, color.Bold)
	versionPatchColor = color.New(color.FgBlue, color.Bold)

	// Version is the semantic version of the CLI.
	Version = "0.1.0-dev"

	// GitCommit is an optional git commit hash.
	GitCommit = ""

	// GitMessage is an optional git commit message.
	GitMessage = ""

	// BuildDate is an optional build date in ISO-8601.
	BuildDate = ""
)

// Semver parses Version. Invalid overrides are reported as errors.
func Semver() (*goversion.Version, error) {
	v, err := goversion.NewVersion(Version)
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", Version, err)
	}
	return v, nil
}

// Colored renders Version with each numeric component highlighted.
// Unparseable values are returned as is.
func Colored() string {
	v, err := Semver()
	if err != nil {
		return Version
	}
	seg := v.Segments()
	for len(seg) < 3 {
		seg = append(seg, 0)
	}
	var b strings.Builder
	b.WriteString(versionMajorColor.Sprint(seg[0]))
	b.WriteString(".")
	b.WriteString(versionMinorColor.Sprint(seg[1]))
	b.WriteString(".")
	b.WriteString(versionPatchColor.Sprint(seg[2]))
	if pre := v.Prerelease(); pre != "" {
		b.WriteString("-" + pre)
	}
	return b.String()
}
