package resource

import (
	"context"
	"time"
)

// Archiver downloads and unpacks release archives.
type Archiver interface {
	// Fetch downloads url to dest unless dest already holds a file with the
	// expected checksum. An empty checksum skips verification.
	Fetch(ctx context.Context, url, checksum, checksumType, dest string) (bool, error)
	// Extract unpacks archive into dest unless creates already exists.
	Extract(ctx context.Context, archive, dest, owner, group, creates string) (bool, error)
}

// Filesystem manages files, directories and ini settings.
type Filesystem interface {
	Exists(ctx context.Context, path string) (bool, error)
	EnsureDirectory(ctx context.Context, path, owner, group, mode string) (bool, error)
	EnsureFile(ctx context.Context, path string, content []byte, owner, group, mode string) (bool, error)
	// RemoveFile reports false, not an error, when path does not exist.
	RemoveFile(ctx context.Context, path string) (bool, error)
	TidyOldFiles(ctx context.Context, dir, matches string, age time.Duration) (bool, error)
	EnsureIniSetting(ctx context.Context, path, section, key, value string) (bool, error)
}

// System manages accounts, services, commands and scheduled jobs.
type System interface {
	EnsureGroup(ctx context.Context, g GroupSpec) (bool, error)
	EnsureUser(ctx context.Context, u UserSpec) (bool, error)
	EnsureService(ctx context.Context, s ServiceSpec) (bool, error)
	RestartService(ctx context.Context, name string) error
	StopService(ctx context.Context, name string) (bool, error)
	RunCommand(ctx context.Context, c CommandSpec) (bool, error)
	ScheduleCron(ctx context.Context, c CronSpec) (bool, error)
}

// Providers bundles the host collaborators the engine drives.
type Providers struct {
	Archiver   Archiver
	Filesystem Filesystem
	System     System
}

type GroupSpec struct {
	Name string
	GID  *int
}

type UserSpec struct {
	Name  string
	UID   *int
	GID   *int
	Group string
	Home  string
	Shell string
}

type ServiceSpec struct {
	Name    string
	Running bool
	Enable  bool
}

// CommandSpec runs Command unless Creates exists, OnlyIf fails or Unless
// succeeds.
type CommandSpec struct {
	Command string
	User    string
	Creates string
	OnlyIf  string
	Unless  string
}

type CronSpec struct {
	Name    string
	Command string
	User    string
	Hour    string
	Minute  string
}

type noopKey struct{}

// WithNoop marks ctx so providers report what would change without acting.
func WithNoop(ctx context.Context) context.Context {
	return context.WithValue(ctx, noopKey{}, true)
}

// IsNoop reports whether ctx was marked by WithNoop.
func IsNoop(ctx context.Context) bool {
	v, _ := ctx.Value(noopKey{}).(bool)
	return v
}
