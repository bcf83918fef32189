package policy

import (
	"path/filepath"
)

var (
	// Releases before this one keep server.xml inside the install directory.
	sharedServerXMLSince = MustParseVersion("3.8.0")
	// First release that reads setup.* and arbitrary keys from bitbucket.properties.
	extraPropertiesSince = MustParseVersion("3.8.1")
)

// Layout locates an installation on the host.
type Layout struct {
	// InstallRoot holds one atlassian-bitbucket-<version> directory per release.
	InstallRoot string
	// HomeDir is the Bitbucket home directory (BITBUCKET_HOME).
	HomeDir string
}

// WebappDir returns the versioned install directory for v.
func (l Layout) WebappDir(v *Version) string {
	return filepath.Join(l.InstallRoot, "atlassian-bitbucket-"+v.String())
}

// Facts are the version-dependent decisions consumed by the renderer and the
// resource catalog.
type Facts struct {
	Version   *Version
	WebappDir string
	HomeDir   string

	UsesLegacyServerXMLLocation bool
	SupportsExtraProperties     bool
	ConfigFilePath              string
}

// SharedDir returns <homedir>/shared.
func (f Facts) SharedDir() string {
	return filepath.Join(f.HomeDir, "shared")
}

// Classify derives the policy facts for version v installed under layout.
func Classify(v *Version, layout Layout) Facts {
	f := Facts{
		Version:                     v,
		WebappDir:                   layout.WebappDir(v),
		HomeDir:                     layout.HomeDir,
		UsesLegacyServerXMLLocation: v.LessThan(sharedServerXMLSince),
		SupportsExtraProperties:     v.AtLeast(extraPropertiesSince),
	}

	if f.UsesLegacyServerXMLLocation {
		f.ConfigFilePath = filepath.Join(f.WebappDir, "conf", "server.xml")
	} else {
		f.ConfigFilePath = filepath.Join(f.SharedDir(), "server.xml")
	}

	return f
}
