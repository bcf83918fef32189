// Package render produces the configuration files Bitbucket reads at start-up.
package render

import (
	"embed"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/flosch/pongo2/v6"

	"github.com/yourorg/bitbucket-deployer/pkg/params"
	"github.com/yourorg/bitbucket-deployer/pkg/policy"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

const (
	tplSetenv       = "setenv.sh.tmpl"
	tplUser         = "user.sh.tmpl"
	tplServerLegacy = "server-legacy.xml.tmpl"
	tplServerShared = "server-shared.xml.tmpl"
	tplProperties   = "bitbucket.properties.tmpl"
	tplUnit         = "bitbucket.service.tmpl"
)

// PortSettingKey is the scripts.cfg key mirroring the connector port.
const PortSettingKey = "bitbucket_httpport"

// IniSetting asserts a single key in an ini-format file.
type IniSetting struct {
	Path    string
	Section string
	Key     string
	Value   string
}

// Result is everything one render pass produces.
type Result struct {
	Files    []RenderedFile
	Settings []IniSetting
}

// File returns the rendered file at path, or nil.
func (r *Result) File(path string) *RenderedFile {
	for i := range r.Files {
		if r.Files[i].Path == path {
			return &r.Files[i]
		}
	}
	return nil
}

// Renderer renders the Bitbucket configuration templates. Templates are parsed
// once and the Renderer is safe to reuse.
type Renderer struct {
	templates map[string]*pongo2.Template
}

// NewRenderer parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	registerBuiltinFilters()

	names := []string{tplSetenv, tplUser, tplServerLegacy, tplServerShared, tplProperties, tplUnit}
	r := &Renderer{templates: make(map[string]*pongo2.Template, len(names))}
	for _, name := range names {
		content, err := templateFS.ReadFile("templates/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
		tpl, err := pongo2.FromString(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.templates[name] = tpl
	}

	return r, nil
}

// Render produces the file descriptors and ini settings for p under the
// layout and feature set described by f.
func (r *Renderer) Render(p *params.Parameters, f policy.Facts) (*Result, error) {
	db, err := params.ResolveDatabase(p.Database)
	if err != nil {
		return nil, err
	}

	ctx := newRenderContext(p, f, db)
	binDir := filepath.Join(f.WebappDir, "bin")

	serverTpl := tplServerShared
	if f.UsesLegacyServerXMLLocation {
		serverTpl = tplServerLegacy
	}

	files := []struct {
		template string
		file     RenderedFile
	}{
		{tplSetenv, RenderedFile{
			Path:        filepath.Join(binDir, "setenv.sh"),
			Mode:        "0755",
			MustContain: jvmAssertions(ctx),
		}},
		{tplUser, RenderedFile{
			Path:        filepath.Join(binDir, "user.sh"),
			Mode:        "0755",
			MustContain: []string{fmt.Sprintf("BITBUCKET_USER=\"%s\"", ctx.str("user"))},
		}},
		{serverTpl, withServerAssertions(p, ctx, RenderedFile{
			Path: f.ConfigFilePath,
			Mode: "0644",
		})},
		{tplProperties, withPropertiesAssertions(p, f, db, RenderedFile{
			Path: filepath.Join(f.SharedDir(), "bitbucket.properties"),
			Mode: "0640",
		})},
	}

	result := &Result{}
	for _, spec := range files {
		content, err := r.execute(spec.template, ctx)
		if err != nil {
			return nil, err
		}

		file := spec.file
		file.Content = content
		file.Owner = orDefault(p.Install.User, params.DefaultUser)
		file.Group = orDefault(p.Install.Group, params.DefaultGroup)
		if err := file.Verify(); err != nil {
			return nil, fmt.Errorf("rendered file failed verification: %w", err)
		}
		result.Files = append(result.Files, file)
	}

	result.Settings = append(result.Settings, IniSetting{
		Path:  filepath.Join(f.WebappDir, "conf", "scripts.cfg"),
		Key:   PortSettingKey,
		Value: strconv.Itoa(ctx.port),
	})

	return result, nil
}

// RenderUnit renders the systemd unit for p into unitDir. The unit is owned
// by root; the service itself runs as the install user.
func (r *Renderer) RenderUnit(p *params.Parameters, f policy.Facts, unitDir string) (*RenderedFile, error) {
	db, err := params.ResolveDatabase(p.Database)
	if err != nil {
		return nil, err
	}
	ctx := newRenderContext(p, f, db)

	grace := p.Service.Grace
	if grace <= 0 {
		grace = params.DefaultStopGrace
	}
	ctx.vars["stop_timeout"] = int(grace.Seconds()) * 2

	content, err := r.execute(tplUnit, ctx)
	if err != nil {
		return nil, err
	}

	name := orDefault(p.Service.Name, params.DefaultServiceName)
	file := &RenderedFile{
		Path:    filepath.Join(unitDir, name+".service"),
		Content: content,
		Owner:   "root",
		Group:   "root",
		Mode:    "0644",
		MustContain: []string{
			"User=" + ctx.str("user"),
			"ExecStart=" + filepath.Join(f.WebappDir, "bin", "start-bitbucket.sh"),
		},
	}
	if err := file.Verify(); err != nil {
		return nil, fmt.Errorf("rendered unit failed verification: %w", err)
	}
	return file, nil
}

func (r *Renderer) execute(name string, ctx *renderContext) (string, error) {
	out, err := r.templates[name].Execute(ctx.toPongo())
	if err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return strings.TrimRight(out, "\n") + "\n", nil
}

func jvmAssertions(ctx *renderContext) []string {
	return []string{
		"JAVA_HOME=" + ctx.str("javahome"),
		fmt.Sprintf("JVM_MINIMUM_MEMORY=\"%s\"", ctx.str("jvm_min_memory")),
		fmt.Sprintf("JVM_MAXIMUM_MEMORY=\"%s\"", ctx.str("jvm_max_memory")),
		"BITBUCKET_MAX_PERM_SIZE=" + ctx.str("jvm_permgen"),
		fmt.Sprintf("JAVA_OPTS=\"%s\"", ctx.str("java_opts")),
	}
}

// proxyAttributes start the connector lines emitted only for a proxy.
var proxyAttributes = []string{"proxyName =", "proxyPort =", "scheme ="}

func withServerAssertions(p *params.Parameters, ctx *renderContext, file RenderedFile) RenderedFile {
	file.MustContain = []string{
		fmt.Sprintf("<Connector port=\"%d\"", ctx.port),
		fmt.Sprintf("path=\"%s\"", xmlAttr(p.ContextPath)),
	}
	if p.Proxy != nil {
		file.MustContain = append(file.MustContain,
			fmt.Sprintf("proxyName = '%s'", xmlAttr(p.Proxy.ProxyName)),
			fmt.Sprintf("proxyPort = '%s'", xmlAttr(p.Proxy.ProxyPort)),
			fmt.Sprintf("scheme = '%s'", xmlAttr(p.Proxy.Scheme)),
		)
	} else {
		file.ForbiddenLinePrefixes = append(file.ForbiddenLinePrefixes, proxyAttributes...)
	}
	return file
}

func withPropertiesAssertions(p *params.Parameters, f policy.Facts, db params.DatabaseSettings, file RenderedFile) RenderedFile {
	file.MustContain = []string{
		"\njdbc.driver=" + db.Driver + "\n",
		"\njdbc.url=" + db.URL + "\n",
		"\njdbc.user=" + db.User + "\n",
		"\njdbc.password=" + db.Password + "\n",
	}

	props := extraProperties(p)
	if f.SupportsExtraProperties {
		file.MustContain = append(file.MustContain, "\nsetup.displayName=")
		for _, prop := range props {
			file.MustContain = append(file.MustContain, "\n"+prop.Key+"="+prop.Value+"\n")
		}
	} else {
		file.ForbiddenLinePrefixes = append(file.ForbiddenLinePrefixes, "setup.")
		for _, prop := range props {
			file.ForbiddenLinePrefixes = append(file.ForbiddenLinePrefixes, prop.Key+"=")
		}
	}
	return file
}

// extraProperties are the free-form properties written after the managed
// ones. Keys under the managed jdbc. prefix are dropped so they cannot
// override the resolved database settings.
func extraProperties(p *params.Parameters) []params.Property {
	var out []params.Property
	for _, prop := range p.SortedExtraProperties() {
		if strings.HasPrefix(prop.Key, params.ManagedPropertyPrefix) {
			continue
		}
		out = append(out, prop)
	}
	return out
}
