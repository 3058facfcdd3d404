package version

import (
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestVersion_DefaultParses(t *testing.T) {
	v, err := Semver()
	if err != nil {
		t.Fatalf("default version must parse: %v", err)
	}
	if v.Prerelease() != "dev" {
		t.Errorf("Prerelease = %q, want dev", v.Prerelease())
	}
}

func TestVersion_CanBeOverridden(t *testing.T) {
	orig := Version
	t.Cleanup(func() { Version = orig })

	Version = "1.2.3"
	v, err := Semver()
	if err != nil {
		t.Fatalf("Semver: %v", err)
	}
	if got := v.String(); got != "1.2.3" {
		t.Errorf("Version = %q, want 1.2.3", got)
	}
}

func TestVersion_Invalid(t *testing.T) {
	orig := Version
	t.Cleanup(func() { Version = orig })

	Version = "not a version"
	if _, err := Semver(); err == nil {
		t.Fatalf("expected error for invalid version")
	}
	if Colored() != "not a version" {
		t.Errorf("Colored should fall back to raw value")
	}
}

func TestColoredWithoutColor(t *testing.T) {
	origNoColor := color.NoColor
	origVersion := Version
	t.Cleanup(func() {
		color.NoColor = origNoColor
		Version = origVersion
	})
	color.NoColor = true
	Version = "2.0.1-rc1"
	if got := Colored(); got != "2.0.1-rc1" {
		t.Errorf("Colored = %q", got)
	}
	if !strings.HasPrefix(Colored(), "2.") {
		t.Errorf("unexpected prefix")
	}
}
