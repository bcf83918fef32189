// Package params holds the per-run deployment parameters and their defaults.
package params

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/yourorg/bitbucket-deployer/pkg/policy"
)

// ErrMissingRequiredParameter is returned when a settings group that must be
// supplied as a whole is only partially set.
var ErrMissingRequiredParameter = errors.New("missing required parameter")

// Defaults applied by Normalize.
const (
	DefaultInstallRoot   = "/opt/bitbucket"
	DefaultHomeDir       = "/home/bitbucket"
	DefaultUser          = "atlbitbucket"
	DefaultGroup         = "atlbitbucket"
	DefaultShell         = "/bin/bash"
	DefaultDownloadURL   = "https://product-downloads.atlassian.com/software/stash/downloads"
	DefaultChecksumType  = "md5"
	DefaultJvmMinMemory  = "256m"
	DefaultJvmMaxMemory  = "1024m"
	DefaultJvmPermGen    = "256m"
	DefaultTomcatPort    = 7990
	DefaultServiceName   = "bitbucket"
	DefaultStopGrace     = 15 * time.Second
	DefaultDBDriver      = "org.postgresql.Driver"
	DefaultDBURL         = "jdbc:postgresql://localhost:5432/bitbucket"
	DefaultDBUser        = "bitbucket"
	DefaultDBPassword    = "password"
	DefaultSetupName     = "bitbucket"
	DefaultSysadminUser  = "admin"
	DefaultSysadminPass  = "bitbucket"
	DefaultSysadminName  = "Bitbucket Admin"
	DefaultBackupHome    = "/opt/bitbucket-backup"
	DefaultBackupUser    = "admin"
	DefaultBackupPass    = "password"
	DefaultBackupVersion = "3.6.0"
	DefaultBackupKeepAge = "4w"
	DefaultBackupURL     = "https://maven.atlassian.com/content/groups/public/com/atlassian/bitbucket/server/backup/bitbucket-backup-distribution"
	DefaultBackupHour    = "5"
	DefaultBackupMinute  = "0"
	DefaultJavaBinary    = "/usr/bin/java"
)

// Proxy holds the reverse-proxy attributes written to the server connector.
type Proxy struct {
	Scheme    string
	ProxyName string
	ProxyPort string
}

// DatabaseSettings are the JDBC settings written to bitbucket.properties.
type DatabaseSettings struct {
	Driver   string
	URL      string
	User     string
	Password string
}

// SetupSettings pre-seed the setup wizard (3.8.1 and later).
type SetupSettings struct {
	DisplayName          string
	BaseURL              string
	SysadminUsername     string
	SysadminPassword     string
	SysadminDisplayName  string
	SysadminEmailAddress string
}

// BackupSettings configure the backup client and its cron job.
type BackupSettings struct {
	Manage        bool
	User          string
	Password      string
	BaseURL       string
	Home          string
	KeepAge       string
	ClientVersion string
	ClientURL     string
	Hour          string
	Minute        string
}

// InstallSettings locate and fetch the application archive.
type InstallSettings struct {
	InstallRoot  string
	HomeDir      string
	User         string
	Group        string
	UID          *int
	GID          *int
	ManageUsrGrp bool
	DownloadURL  string
	Checksum     string
	ChecksumType string
}

// ServiceSettings control the service resource.
type ServiceSettings struct {
	Manage bool
	Name   string
	Ensure string
	Enable bool
	Grace  time.Duration
}

// Parameters is the full input for one run. Treat it as immutable once
// Normalize has returned.
type Parameters struct {
	Version *policy.Version

	JavaHome       string
	JvmMinMemory   string
	JvmMaxMemory   string
	JvmPermGenSize string
	JavaOpts       string
	ContextPath    string
	TomcatPort     int

	Proxy           *Proxy
	Database        DatabaseSettings
	Setup           SetupSettings
	ExtraProperties map[string]string

	Install InstallSettings
	Service ServiceSettings
	Backup  BackupSettings
}

// Layout returns the policy layout for these parameters.
func (p *Parameters) Layout() policy.Layout {
	return policy.Layout{InstallRoot: p.Install.InstallRoot, HomeDir: p.Install.HomeDir}
}

// JavaBinary returns the java executable used outside the service wrapper.
func (p *Parameters) JavaBinary() string {
	if p.JavaHome == "" {
		return DefaultJavaBinary
	}
	return strings.TrimSuffix(p.JavaHome, "/") + "/bin/java"
}

// SortedExtraProperties returns ExtraProperties ordered by key.
func (p *Parameters) SortedExtraProperties() []Property {
	props := make([]Property, 0, len(p.ExtraProperties))
	for k, v := range p.ExtraProperties {
		props = append(props, Property{Key: k, Value: v})
	}
	sort.Slice(props, func(i, j int) bool { return props[i].Key < props[j].Key })
	return props
}

// ManagedPropertyPrefix marks the bitbucket.properties keys derived from the
// database settings. Extra properties may not override them.
const ManagedPropertyPrefix = "jdbc."

// Property is a single key=value line.
type Property struct {
	Key   string
	Value string
}

// Normalize fills defaults and rejects partially supplied settings groups.
func (p *Parameters) Normalize() error {
	if p.Version == nil {
		return fmt.Errorf("%w: version", ErrMissingRequiredParameter)
	}

	setDefault(&p.JvmMinMemory, DefaultJvmMinMemory)
	setDefault(&p.JvmMaxMemory, DefaultJvmMaxMemory)
	setDefault(&p.JvmPermGenSize, DefaultJvmPermGen)
	if p.TomcatPort == 0 {
		p.TomcatPort = DefaultTomcatPort
	}

	db, err := ResolveDatabase(p.Database)
	if err != nil {
		return err
	}
	p.Database = db

	if p.Proxy != nil {
		if err := requireAllOrNone("proxy", map[string]string{
			"scheme":    p.Proxy.Scheme,
			"proxyName": p.Proxy.ProxyName,
			"proxyPort": p.Proxy.ProxyPort,
		}); err != nil {
			return err
		}
		if p.Proxy.Scheme == "" {
			p.Proxy = nil
		}
	}

	setDefault(&p.Setup.DisplayName, DefaultSetupName)
	setDefault(&p.Setup.SysadminUsername, DefaultSysadminUser)
	setDefault(&p.Setup.SysadminPassword, DefaultSysadminPass)
	setDefault(&p.Setup.SysadminDisplayName, DefaultSysadminName)

	setDefault(&p.Install.InstallRoot, DefaultInstallRoot)
	setDefault(&p.Install.HomeDir, DefaultHomeDir)
	setDefault(&p.Install.User, DefaultUser)
	setDefault(&p.Install.Group, DefaultGroup)
	setDefault(&p.Install.DownloadURL, DefaultDownloadURL)
	setDefault(&p.Install.ChecksumType, DefaultChecksumType)

	setDefault(&p.Service.Name, DefaultServiceName)
	setDefault(&p.Service.Ensure, "running")
	if p.Service.Grace == 0 {
		p.Service.Grace = DefaultStopGrace
	}

	if err := requireAllOrNone("backup", map[string]string{
		"user":     p.Backup.User,
		"password": p.Backup.Password,
	}); err != nil {
		return err
	}
	setDefault(&p.Backup.User, DefaultBackupUser)
	setDefault(&p.Backup.Password, DefaultBackupPass)
	setDefault(&p.Backup.BaseURL, p.Setup.BaseURL)
	setDefault(&p.Backup.Home, DefaultBackupHome)
	setDefault(&p.Backup.KeepAge, DefaultBackupKeepAge)
	setDefault(&p.Backup.ClientVersion, DefaultBackupVersion)
	setDefault(&p.Backup.ClientURL, DefaultBackupURL)
	setDefault(&p.Backup.Hour, DefaultBackupHour)
	setDefault(&p.Backup.Minute, DefaultBackupMinute)

	return nil
}

// ResolveDatabase returns db, or the default PostgreSQL settings when db is
// entirely empty. Partially supplied settings are rejected.
func ResolveDatabase(db DatabaseSettings) (DatabaseSettings, error) {
	if err := requireAllOrNone("database", map[string]string{
		"driver":   db.Driver,
		"url":      db.URL,
		"user":     db.User,
		"password": db.Password,
	}); err != nil {
		return db, err
	}
	if db.Driver == "" {
		return DatabaseSettings{
			Driver:   DefaultDBDriver,
			URL:      DefaultDBURL,
			User:     DefaultDBUser,
			Password: DefaultDBPassword,
		}, nil
	}
	return db, nil
}

// requireAllOrNone fails when some but not all of fields are set.
func requireAllOrNone(group string, fields map[string]string) error {
	var missing []string
	set := 0
	for name, value := range fields {
		if value == "" {
			missing = append(missing, name)
		} else {
			set++
		}
	}
	if set == 0 || len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s settings are partially supplied, missing %s",
		ErrMissingRequiredParameter, group, strings.Join(missing, ", "))
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}
