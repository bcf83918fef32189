package render

import (
	"strings"
	"sync"

	"github.com/flosch/pongo2/v6"

	"github.com/yourorg/bitbucket-deployer/pkg/params"
	"github.com/yourorg/bitbucket-deployer/pkg/policy"
)

var registerFilters sync.Once

// xmlAttrEscaper escapes a value for a quoted XML attribute of either quote style.
var xmlAttrEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// xmlAttr is the Go side of the xmlattr filter, used when building assertions.
func xmlAttr(s string) string {
	return xmlAttrEscaper.Replace(s)
}

// registerBuiltinFilters adds the filters the templates rely on. pongo2 keeps
// filters in a global registry, so this runs once per process.
func registerBuiltinFilters() {
	registerFilters.Do(func() {
		filters := map[string]pongo2.FilterFunction{
			"xmlattr": func(in *pongo2.Value, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
				return pongo2.AsValue(xmlAttr(in.String())), nil
			},
		}
		for name, fn := range filters {
			if pongo2.FilterExists(name) {
				_ = pongo2.ReplaceFilter(name, fn)
				continue
			}
			_ = pongo2.RegisterFilter(name, fn)
		}
	})
}

// renderContext carries the template variables for one render pass. Defaults
// are resolved here so the templates never branch on missing values.
type renderContext struct {
	vars  map[string]interface{}
	facts map[string]interface{}
	port  int
}

func newRenderContext(p *params.Parameters, f policy.Facts, db params.DatabaseSettings) *renderContext {
	port := p.TomcatPort
	if port == 0 {
		port = params.DefaultTomcatPort
	}

	ctx := &renderContext{
		vars: map[string]interface{}{
			"javahome":       p.JavaHome,
			"jvm_min_memory": orDefault(p.JvmMinMemory, params.DefaultJvmMinMemory),
			"jvm_max_memory": orDefault(p.JvmMaxMemory, params.DefaultJvmMaxMemory),
			"jvm_permgen":    orDefault(p.JvmPermGenSize, params.DefaultJvmPermGen),
			"java_opts":      p.JavaOpts,
			"context_path":   p.ContextPath,
			"tomcat_port":    port,
			"user":           orDefault(p.Install.User, params.DefaultUser),
			"db": map[string]string{
				"driver":   db.Driver,
				"url":      db.URL,
				"user":     db.User,
				"password": db.Password,
			},
			"setup": map[string]string{
				"display_name":           orDefault(p.Setup.DisplayName, params.DefaultSetupName),
				"base_url":               p.Setup.BaseURL,
				"sysadmin_username":      orDefault(p.Setup.SysadminUsername, params.DefaultSysadminUser),
				"sysadmin_password":      orDefault(p.Setup.SysadminPassword, params.DefaultSysadminPass),
				"sysadmin_display_name":  orDefault(p.Setup.SysadminDisplayName, params.DefaultSysadminName),
				"sysadmin_email_address": p.Setup.SysadminEmailAddress,
			},
			"extra_properties": extraProperties(p),
		},
		facts: map[string]interface{}{
			"version":                         f.Version.String(),
			"webapp_dir":                      f.WebappDir,
			"home_dir":                        f.HomeDir,
			"config_file_path":                f.ConfigFilePath,
			"uses_legacy_server_xml_location": f.UsesLegacyServerXMLLocation,
			"supports_extra_properties":       f.SupportsExtraProperties,
		},
		port: port,
	}

	if p.Proxy != nil {
		ctx.vars["proxy"] = map[string]string{
			"scheme": p.Proxy.Scheme,
			"name":   p.Proxy.ProxyName,
			"port":   p.Proxy.ProxyPort,
		}
	}

	return ctx
}

// toPongo flattens vars into the top level and nests facts, the way the
// templates address them.
func (c *renderContext) toPongo() pongo2.Context {
	pc := pongo2.Context{}
	for k, v := range c.vars {
		pc[k] = v
	}
	pc["facts"] = c.facts
	return pc
}

func (c *renderContext) str(key string) string {
	s, _ := c.vars[key].(string)
	return s
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
