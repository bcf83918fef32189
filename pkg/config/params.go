package config

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/yourorg/bitbucket-deployer/pkg/params"
	"github.com/yourorg/bitbucket-deployer/pkg/policy"
)

// Parameters builds the normalized run parameters.
func (c *Config) Parameters() (*params.Parameters, error) {
	v, err := policy.ParseVersion(c.Bitbucket.Version)
	if err != nil {
		return nil, fmt.Errorf("bitbucket.version: %w", err)
	}

	b := c.Bitbucket
	p := &params.Parameters{
		Version:         v,
		JavaHome:        b.JavaHome,
		JvmMinMemory:    b.JvmXms,
		JvmMaxMemory:    b.JvmXmx,
		JvmPermGenSize:  b.JvmPermGen,
		JavaOpts:        b.JavaOpts,
		ContextPath:     b.ContextPath,
		TomcatPort:      b.TomcatPort,
		ExtraProperties: b.ConfigProperties,
		Database: params.DatabaseSettings{
			Driver:   b.Database.Driver,
			URL:      b.Database.URL,
			User:     b.Database.User,
			Password: b.Database.Password,
		},
		Setup: params.SetupSettings{
			DisplayName:          b.Setup.DisplayName,
			BaseURL:              b.Setup.BaseURL,
			SysadminUsername:     b.Setup.SysadminUsername,
			SysadminPassword:     b.Setup.SysadminPassword,
			SysadminDisplayName:  b.Setup.SysadminDisplayName,
			SysadminEmailAddress: b.Setup.SysadminEmailAddress,
		},
		Install: params.InstallSettings{
			InstallRoot:  c.Install.Root,
			HomeDir:      c.Install.HomeDir,
			User:         c.Install.User,
			Group:        c.Install.Group,
			UID:          c.Install.UID,
			GID:          c.Install.GID,
			ManageUsrGrp: c.Install.ManageUsrGrp,
			DownloadURL:  c.Install.DownloadURL,
			Checksum:     c.Install.Checksum,
			ChecksumType: c.Install.ChecksumType,
		},
		Service: params.ServiceSettings{
			Manage: c.Service.Manage,
			Name:   c.Service.Name,
			Ensure: c.Service.Ensure,
			Enable: c.Service.Enable,
			Grace:  c.Service.StopGrace,
		},
		Backup: params.BackupSettings{
			Manage:        c.Backup.Manage,
			User:          c.Backup.User,
			Password:      c.Backup.Password,
			BaseURL:       c.Backup.BaseURL,
			Home:          c.Backup.Home,
			KeepAge:       c.Backup.KeepAge,
			ClientVersion: c.Backup.ClientVersion,
			ClientURL:     c.Backup.ClientURL,
			Hour:          c.Backup.Hour,
			Minute:        c.Backup.Minute,
		},
	}
	if b.Proxy != (ProxyConfig{}) {
		p.Proxy = &params.Proxy{
			Scheme:    b.Proxy.Scheme,
			ProxyName: b.Proxy.ProxyName,
			ProxyPort: b.Proxy.ProxyPort,
		}
	}

	if err := p.Normalize(); err != nil {
		return nil, err
	}
	return p, nil
}

// MinFreeDiskBytes parses verify.min_free_disk ("5GB", "512MiB").
func (c *Config) MinFreeDiskBytes() (uint64, error) {
	if c.Verify.MinFreeDisk == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.Verify.MinFreeDisk)
	if err != nil {
		return 0, fmt.Errorf("verify.min_free_disk: %w", err)
	}
	return n, nil
}
