// Package resource models the host state the deployer converges and applies
// it in dependency order through pluggable providers.
package resource

import (
	"fmt"
	"strings"
)

// Kind is the type of a resource.
type Kind string

const (
	KindFile       Kind = "File"
	KindArchive    Kind = "Archive"
	KindUser       Kind = "User"
	KindGroup      Kind = "Group"
	KindService    Kind = "Service"
	KindExec       Kind = "Exec"
	KindCron       Kind = "Cron"
	KindTidy       Kind = "Tidy"
	KindIniSetting Kind = "IniSetting"
)

// File ensure values.
const (
	EnsureFile      = "file"
	EnsureDirectory = "directory"
	EnsureAbsent    = "absent"
)

// Service ensure values.
const (
	EnsureRunning = "running"
	EnsureStopped = "stopped"
)

// Resource is a compact typed resource. Kind-specific fields are optional
// and checked by Validate.
type Resource struct {
	Kind  Kind   `json:"kind" yaml:"kind"`
	Title string `json:"title" yaml:"title"`
	Class string `json:"class,omitempty" yaml:"class,omitempty"`

	// File, Archive, Tidy, IniSetting
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
	Ensure  string `json:"ensure,omitempty" yaml:"ensure,omitempty"`
	Content string `json:"-" yaml:"-"`
	Owner   string `json:"owner,omitempty" yaml:"owner,omitempty"`
	Group   string `json:"group,omitempty" yaml:"group,omitempty"`
	Mode    string `json:"mode,omitempty" yaml:"mode,omitempty"`

	// Archive
	Source       string `json:"source,omitempty" yaml:"source,omitempty"`
	Checksum     string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	ChecksumType string `json:"checksum_type,omitempty" yaml:"checksum_type,omitempty"`
	ExtractPath  string `json:"extract_path,omitempty" yaml:"extract_path,omitempty"`

	// Archive, Exec
	Creates string `json:"creates,omitempty" yaml:"creates,omitempty"`

	// User, Group
	UID   *int   `json:"uid,omitempty" yaml:"uid,omitempty"`
	GID   *int   `json:"gid,omitempty" yaml:"gid,omitempty"`
	Home  string `json:"home,omitempty" yaml:"home,omitempty"`
	Shell string `json:"shell,omitempty" yaml:"shell,omitempty"`

	// Service
	Enable bool `json:"enable,omitempty" yaml:"enable,omitempty"`

	// Exec, Cron
	Command     string `json:"command,omitempty" yaml:"command,omitempty"`
	User        string `json:"user,omitempty" yaml:"user,omitempty"`
	OnlyIf      string `json:"onlyif,omitempty" yaml:"onlyif,omitempty"`
	Unless      string `json:"unless,omitempty" yaml:"unless,omitempty"`
	RefreshOnly bool   `json:"refreshonly,omitempty" yaml:"refreshonly,omitempty"`

	// Cron
	Hour   string `json:"hour,omitempty" yaml:"hour,omitempty"`
	Minute string `json:"minute,omitempty" yaml:"minute,omitempty"`

	// Tidy
	Matches string `json:"matches,omitempty" yaml:"matches,omitempty"`
	Age     string `json:"age,omitempty" yaml:"age,omitempty"`

	// IniSetting
	Section string `json:"section,omitempty" yaml:"section,omitempty"`
	Key     string `json:"key,omitempty" yaml:"key,omitempty"`
	Value   string `json:"value,omitempty" yaml:"value,omitempty"`
}

// ID returns the reference used in ordering edges, e.g. File[/etc/motd].
func (r *Resource) ID() string {
	return Ref(r.Kind, r.Title)
}

// Ref builds a resource reference.
func Ref(kind Kind, title string) string {
	return fmt.Sprintf("%s[%s]", kind, title)
}

// ClassRef builds a reference to every resource in a class.
func ClassRef(name string) string {
	return fmt.Sprintf("Class[%s]", name)
}

func parseClassRef(ref string) (string, bool) {
	if strings.HasPrefix(ref, "Class[") && strings.HasSuffix(ref, "]") {
		return ref[len("Class[") : len(ref)-1], true
	}
	return "", false
}

// Validate checks the fields the resource kind needs.
func (r *Resource) Validate() error {
	if r.Title == "" {
		return fmt.Errorf("%s resource has no title", r.Kind)
	}

	var missing []string
	need := func(field, value string) {
		if value == "" {
			missing = append(missing, field)
		}
	}

	switch r.Kind {
	case KindFile:
		need("path", r.Path)
		switch r.Ensure {
		case EnsureFile, EnsureDirectory, EnsureAbsent:
		default:
			return fmt.Errorf("%s: invalid ensure %q", r.ID(), r.Ensure)
		}
	case KindArchive:
		need("path", r.Path)
		need("source", r.Source)
		need("extract_path", r.ExtractPath)
	case KindUser, KindGroup:
	case KindService:
		switch r.Ensure {
		case EnsureRunning, EnsureStopped:
		default:
			return fmt.Errorf("%s: invalid ensure %q", r.ID(), r.Ensure)
		}
	case KindExec:
		need("command", r.Command)
	case KindCron:
		need("command", r.Command)
		need("user", r.User)
	case KindTidy:
		need("path", r.Path)
		need("age", r.Age)
		if r.Age != "" {
			if _, err := ParseAge(r.Age); err != nil {
				return fmt.Errorf("%s: %w", r.ID(), err)
			}
		}
	case KindIniSetting:
		need("path", r.Path)
		need("key", r.Key)
	default:
		return fmt.Errorf("unknown resource kind %q", r.Kind)
	}

	if len(missing) > 0 {
		return fmt.Errorf("%s: missing %s", r.ID(), strings.Join(missing, ", "))
	}
	return nil
}
