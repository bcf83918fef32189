// Package manifest turns run parameters into the Bitbucket resource catalog
// and drives a full deployment through the resource engine.
package manifest

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/yourorg/bitbucket-deployer/pkg/params"
	"github.com/yourorg/bitbucket-deployer/pkg/policy"
	"github.com/yourorg/bitbucket-deployer/pkg/render"
	"github.com/yourorg/bitbucket-deployer/pkg/resource"
)

// Catalog classes, in apply order.
const (
	ClassInstall = "install"
	ClassConfig  = "config"
	ClassService = "service"
	ClassBackup  = "backup"
)

// Defaults for Options.
const (
	DefaultDownloadDir = "/tmp"
	DefaultUnitDir     = "/etc/systemd/system"
	BackupCronTitle    = "Backup Bitbucket"
	BackupTidyTitle    = "remove_old_archives"
)

// Options locate the files the catalog writes outside the application dirs.
type Options struct {
	DownloadDir string
	UnitDir     string
}

// Manifest is the composed desired state for one run.
type Manifest struct {
	Params   *params.Parameters
	Facts    policy.Facts
	Rendered *render.Result
	Unit     *render.RenderedFile
	Catalog  *resource.Catalog
}

// Compose renders the configuration and builds the catalog. p must already
// be normalized.
func Compose(p *params.Parameters, r *render.Renderer, opts Options) (*Manifest, error) {
	if opts.DownloadDir == "" {
		opts.DownloadDir = DefaultDownloadDir
	}
	if opts.UnitDir == "" {
		opts.UnitDir = DefaultUnitDir
	}

	facts := policy.Classify(p.Version, p.Layout())
	rendered, err := r.Render(p, facts)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		Params:   p,
		Facts:    facts,
		Rendered: rendered,
		Catalog:  resource.NewCatalog(),
	}
	if p.Service.Manage {
		if m.Unit, err = r.RenderUnit(p, facts, opts.UnitDir); err != nil {
			return nil, err
		}
	}

	b := &builder{m: m, opts: opts}
	b.install()
	b.config()
	b.service()
	b.backup()
	b.classEdges()
	if b.err != nil {
		return nil, b.err
	}

	if _, err := m.Catalog.Order(); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	return m, nil
}

// InstallArchive is the local path of the application archive.
func (m *Manifest) InstallArchive(downloadDir string) string {
	return filepath.Join(downloadDir, fmt.Sprintf("atlassian-bitbucket-%s.tar.gz", m.Params.Version))
}

// BackupClientDir is where the backup client unpacks.
func (m *Manifest) BackupClientDir() string {
	return filepath.Join(m.Params.Backup.Home, "bitbucket-backup-client-"+m.Params.Backup.ClientVersion)
}

// BackupArchivesDir receives the backup tarballs.
func (m *Manifest) BackupArchivesDir() string {
	return filepath.Join(m.Params.Backup.Home, "archives")
}

// BackupCommand is the cron command that runs the backup client.
func (m *Manifest) BackupCommand() string {
	p := m.Params
	return strings.Join([]string{
		p.JavaBinary(),
		fmt.Sprintf("-Dbitbucket.password='%s'", p.Backup.Password),
		fmt.Sprintf("-Dbitbucket.user='%s'", p.Backup.User),
		fmt.Sprintf("-Dbitbucket.baseUrl='%s'", p.Backup.BaseURL),
		"-Dbitbucket.home=" + p.Install.HomeDir,
		"-Dbackup.home=" + m.BackupArchivesDir(),
		"-jar " + filepath.Join(m.BackupClientDir(), "bitbucket-backup-client.jar"),
	}, " ")
}

// ServiceRef is the reference of the managed service resource.
func (m *Manifest) ServiceRef() string {
	return resource.Ref(resource.KindService, m.Params.Service.Name)
}

type builder struct {
	m    *Manifest
	opts Options
	err  error
}

func (b *builder) add(r *resource.Resource) string {
	if b.err == nil {
		b.err = b.m.Catalog.Add(r)
	}
	return r.ID()
}

func (b *builder) dir(class, path, owner, group string) string {
	return b.add(&resource.Resource{
		Kind:   resource.KindFile,
		Title:  path,
		Class:  class,
		Path:   path,
		Ensure: resource.EnsureDirectory,
		Owner:  owner,
		Group:  group,
	})
}

func (b *builder) install() {
	p := b.m.Params
	in := p.Install
	c := b.m.Catalog

	var userRef string
	if in.ManageUsrGrp {
		groupRef := b.add(&resource.Resource{
			Kind:  resource.KindGroup,
			Title: in.Group,
			Class: ClassInstall,
			GID:   in.GID,
		})
		userRef = b.add(&resource.Resource{
			Kind:  resource.KindUser,
			Title: in.User,
			Class: ClassInstall,
			UID:   in.UID,
			GID:   in.GID,
			Group: in.Group,
			Home:  in.HomeDir,
			Shell: params.DefaultShell,
		})
		c.Requires(userRef, groupRef)
	}

	rootRef := b.dir(ClassInstall, in.InstallRoot, in.User, in.Group)
	if userRef != "" {
		c.Requires(rootRef, userRef)
	}

	archiveName := fmt.Sprintf("atlassian-bitbucket-%s.tar.gz", p.Version)
	archiveRef := b.add(&resource.Resource{
		Kind:         resource.KindArchive,
		Title:        b.m.InstallArchive(b.opts.DownloadDir),
		Class:        ClassInstall,
		Path:         b.m.InstallArchive(b.opts.DownloadDir),
		Source:       strings.TrimSuffix(in.DownloadURL, "/") + "/" + archiveName,
		Checksum:     in.Checksum,
		ChecksumType: in.ChecksumType,
		ExtractPath:  in.InstallRoot,
		Creates:      filepath.Join(b.m.Facts.WebappDir, "conf"),
		Owner:        in.User,
		Group:        in.Group,
	})
	c.Requires(archiveRef, rootRef)

	webappRef := b.dir(ClassInstall, b.m.Facts.WebappDir, in.User, in.Group)
	c.Requires(webappRef, archiveRef)

	homeRef := b.dir(ClassInstall, in.HomeDir, in.User, in.Group)
	c.Before(archiveRef, homeRef)
	if userRef != "" {
		c.Requires(homeRef, userRef)
	}

	chownRef := b.add(&resource.Resource{
		Kind:        resource.KindExec,
		Title:       "chown_" + b.m.Facts.WebappDir,
		Class:       ClassInstall,
		Command:     fmt.Sprintf("chown -R %s:%s %s", in.User, in.Group, b.m.Facts.WebappDir),
		RefreshOnly: true,
	})
	c.Notifies(archiveRef, chownRef)
}

func (b *builder) config() {
	p := b.m.Params
	c := b.m.Catalog

	sharedRef := b.dir(ClassConfig, b.m.Facts.SharedDir(), p.Install.User, p.Install.Group)

	for _, f := range b.m.Rendered.Files {
		ref := b.add(&resource.Resource{
			Kind:    resource.KindFile,
			Title:   f.Path,
			Class:   ClassConfig,
			Path:    f.Path,
			Ensure:  resource.EnsureFile,
			Content: f.Content,
			Owner:   f.Owner,
			Group:   f.Group,
			Mode:    f.Mode,
		})
		if strings.HasPrefix(f.Path, b.m.Facts.SharedDir()+"/") {
			c.Requires(ref, sharedRef)
		}
	}

	for _, s := range b.m.Rendered.Settings {
		b.add(&resource.Resource{
			Kind:    resource.KindIniSetting,
			Title:   s.Path + ":" + s.Key,
			Class:   ClassConfig,
			Path:    s.Path,
			Section: s.Section,
			Key:     s.Key,
			Value:   s.Value,
		})
	}
}

func (b *builder) service() {
	p := b.m.Params
	if !p.Service.Manage {
		return
	}

	unitRef := b.add(&resource.Resource{
		Kind:    resource.KindFile,
		Title:   b.m.Unit.Path,
		Class:   ClassService,
		Path:    b.m.Unit.Path,
		Ensure:  resource.EnsureFile,
		Content: b.m.Unit.Content,
		Owner:   b.m.Unit.Owner,
		Group:   b.m.Unit.Group,
		Mode:    b.m.Unit.Mode,
	})
	serviceRef := b.add(&resource.Resource{
		Kind:   resource.KindService,
		Title:  p.Service.Name,
		Class:  ClassService,
		Ensure: p.Service.Ensure,
		Enable: p.Service.Enable,
	})
	b.m.Catalog.Notifies(unitRef, serviceRef)
}

func (b *builder) backup() {
	p := b.m.Params
	if !p.Backup.Manage {
		return
	}
	c := b.m.Catalog
	in := p.Install

	homeRef := b.dir(ClassBackup, p.Backup.Home, in.User, in.Group)

	zipName := fmt.Sprintf("bitbucket-backup-distribution-%s.zip", p.Backup.ClientVersion)
	archivePath := filepath.Join(b.opts.DownloadDir, zipName)
	archiveRef := b.add(&resource.Resource{
		Kind:         resource.KindArchive,
		Title:        archivePath,
		Class:        ClassBackup,
		Path:         archivePath,
		Source:       fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(p.Backup.ClientURL, "/"), p.Backup.ClientVersion, zipName),
		ChecksumType: params.DefaultChecksumType,
		ExtractPath:  p.Backup.Home,
		Creates:      filepath.Join(b.m.BackupClientDir(), "lib"),
		Owner:        in.User,
		Group:        in.Group,
	})
	c.Requires(archiveRef, homeRef)

	clientRef := b.dir(ClassBackup, b.m.BackupClientDir(), in.User, in.Group)
	c.Requires(clientRef, archiveRef)

	archivesRef := b.dir(ClassBackup, b.m.BackupArchivesDir(), in.User, in.Group)
	c.Requires(archivesRef, homeRef)

	cronRef := b.add(&resource.Resource{
		Kind:    resource.KindCron,
		Title:   BackupCronTitle,
		Class:   ClassBackup,
		Command: b.m.BackupCommand(),
		User:    in.User,
		Hour:    p.Backup.Hour,
		Minute:  p.Backup.Minute,
	})
	c.Requires(cronRef, clientRef)
	c.Requires(cronRef, archivesRef)

	tidyRef := b.add(&resource.Resource{
		Kind:    resource.KindTidy,
		Title:   BackupTidyTitle,
		Class:   ClassBackup,
		Path:    b.m.BackupArchivesDir(),
		Matches: "*.tar",
		Age:     p.Backup.KeepAge,
	})
	c.Requires(tidyRef, archivesRef)
}

// classEdges wires install before config, config notifying service and
// service before backup. Unmanaged classes are bridged over.
func (b *builder) classEdges() {
	c := b.m.Catalog
	p := b.m.Params

	c.Before(resource.ClassRef(ClassInstall), resource.ClassRef(ClassConfig))

	last := ClassConfig
	if p.Service.Manage {
		c.Notifies(resource.ClassRef(ClassConfig), resource.ClassRef(ClassService))
		last = ClassService
	}
	if p.Backup.Manage {
		c.Before(resource.ClassRef(last), resource.ClassRef(ClassBackup))
	}
}
