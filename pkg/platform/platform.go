// Package platform identifies the host operating system and checks it
// against the supported matrix.
package platform

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/ini.v1"
)

// ErrUnsupportedPlatform is matched by every UnsupportedError.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// UnsupportedError names the operating system and major release that
// failed the check.
type UnsupportedError struct {
	OS    string
	Major string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s %s not supported", e.OS, e.Major)
}

// Is makes UnsupportedError match ErrUnsupportedPlatform.
func (e *UnsupportedError) Is(target error) bool {
	return target == ErrUnsupportedPlatform
}

// Family groups distributions that share packaging and layout.
type Family string

const (
	FamilyRedHat  Family = "RedHat"
	FamilyDebian  Family = "Debian"
	FamilyUnknown Family = "Unknown"
)

// Info describes the running system.
type Info struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	VersionID string `json:"version_id" yaml:"version_id"`
	Family    Family `json:"family" yaml:"family"`
	Kernel    string `json:"kernel,omitempty" yaml:"kernel,omitempty"`
}

// Major returns the major release, e.g. "8" for 8.9 and "22" for 22.04.
func (i *Info) Major() string {
	major, _, _ := strings.Cut(i.VersionID, ".")
	return major
}

var displayNames = map[string]string{
	"rhel":      "RedHat",
	"centos":    "CentOS",
	"rocky":     "Rocky",
	"almalinux": "AlmaLinux",
	"ol":        "OracleLinux",
	"debian":    "Debian",
	"ubuntu":    "Ubuntu",
}

var redhatIDs = map[string]bool{"rhel": true, "centos": true, "rocky": true, "almalinux": true, "ol": true}

// supported maps an os-release ID, or the family for the RedHat clones, to
// the inclusive range of major releases.
var supported = map[string][2]int{
	string(FamilyRedHat): {7, 9},
	"debian":             {9, 12},
	"ubuntu":             {18, 24},
}

// osReleasePaths are read in order; the first one present wins.
var osReleasePaths = []string{"/etc/os-release", "/usr/lib/os-release"}

// ParseOSRelease reads the key=value format of os-release(5).
func ParseOSRelease(data []byte) (*Info, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse os-release: %w", err)
	}

	sec := cfg.Section("")
	info := &Info{
		ID:        strings.ToLower(sec.Key("ID").String()),
		VersionID: sec.Key("VERSION_ID").String(),
	}
	info.Name = displayNames[info.ID]
	if info.Name == "" {
		info.Name = sec.Key("NAME").String()
	}

	like := strings.Fields(strings.ToLower(sec.Key("ID_LIKE").String()))
	info.Family = familyOf(info.ID, like)
	return info, nil
}

func familyOf(id string, like []string) Family {
	if redhatIDs[id] {
		return FamilyRedHat
	}
	if id == "debian" || id == "ubuntu" {
		return FamilyDebian
	}
	for _, l := range like {
		switch l {
		case "rhel", "fedora", "centos":
			return FamilyRedHat
		case "debian", "ubuntu":
			return FamilyDebian
		}
	}
	return FamilyUnknown
}

// Detect reads os-release from fs and the running kernel release.
func Detect(fs afero.Fs) (*Info, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}

	var data []byte
	var err error
	for _, path := range osReleasePaths {
		data, err = afero.ReadFile(fs, path)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("no os-release file found: %w", err)
	}

	info, err := ParseOSRelease(data)
	if err != nil {
		return nil, err
	}
	info.Kernel = kernelRelease()
	return info, nil
}

// Check returns an *UnsupportedError unless the system is in the matrix.
func (i *Info) Check() error {
	key := i.ID
	if redhatIDs[i.ID] {
		key = string(FamilyRedHat)
	}

	bounds, ok := supported[key]
	if !ok {
		return &UnsupportedError{OS: i.Name, Major: i.Major()}
	}
	major, err := strconv.Atoi(i.Major())
	if err != nil || major < bounds[0] || major > bounds[1] {
		return &UnsupportedError{OS: i.Name, Major: i.Major()}
	}
	return nil
}
