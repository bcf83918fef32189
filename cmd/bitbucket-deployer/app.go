package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/bitbucket-deployer/pkg/config"
	"github.com/yourorg/bitbucket-deployer/pkg/facts"
	"github.com/yourorg/bitbucket-deployer/pkg/health"
	"github.com/yourorg/bitbucket-deployer/pkg/host"
	"github.com/yourorg/bitbucket-deployer/pkg/logging"
	"github.com/yourorg/bitbucket-deployer/pkg/manifest"
	"github.com/yourorg/bitbucket-deployer/pkg/metrics"
	"github.com/yourorg/bitbucket-deployer/pkg/params"
	"github.com/yourorg/bitbucket-deployer/pkg/render"
	"github.com/yourorg/bitbucket-deployer/pkg/resource"
	"github.com/yourorg/bitbucket-deployer/pkg/upgrade"
)

// app carries what every subcommand needs.
type app struct {
	cfg    *config.Config
	params *params.Parameters
	logger *zap.Logger
	fs     afero.Fs
}

func newApp() (*app, error) {
	loader := config.NewLoader()
	loader.SetConfigPath(cfgFile)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	validator := config.NewValidator()
	if err := validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	p, err := cfg.Parameters()
	if err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	logger.Debug("configuration loaded", zap.String("path", loader.GetConfigPath()))
	return &app{cfg: cfg, params: p, logger: logger, fs: afero.NewOsFs()}, nil
}

func (a *app) compose() (*manifest.Manifest, error) {
	r, err := render.NewRenderer()
	if err != nil {
		return nil, err
	}
	return manifest.Compose(a.params, r, manifest.Options{UnitDir: a.cfg.Service.UnitDir})
}

// detector resolves the installed version. A non-empty override wins over
// bitbucket.installed_version, which wins over asking the instance.
func (a *app) detector(override string) *facts.Detector {
	if override == "" {
		override = a.cfg.Bitbucket.InstalledVersion
	}
	var opts []facts.Option
	if override != "" {
		opts = append(opts, facts.WithOverride(override))
	}
	return facts.NewDetector(a.params.TomcatPort, a.params.ContextPath, a.logger, opts...)
}

func (a *app) providers() resource.Providers {
	files := host.NewFiles(a.fs, a.logger)
	return resource.Providers{
		Archiver:   host.NewArchives(a.fs, nil, a.logger),
		Filesystem: files,
		System:     host.NewSystem(host.NewSystemd(a.logger), files, a.logger),
	}
}

func (a *app) monitor() (*health.Monitor, error) {
	minFree, err := a.cfg.MinFreeDiskBytes()
	if err != nil {
		return nil, err
	}

	p := a.params
	var checkers []health.Checker
	if p.Service.Manage {
		checkers = append(checkers, health.NewServiceChecker(host.NewSystemd(a.logger), p.Service.Name))
	}
	checkers = append(checkers,
		health.NewPortChecker("127.0.0.1", p.TomcatPort),
		health.NewHTTPChecker("127.0.0.1", p.TomcatPort, p.ContextPath, nil),
		health.NewDiskChecker(p.Install.HomeDir, minFree),
	)
	return health.NewMonitor(a.cfg.Verify.CheckTimeout, a.logger, checkers...), nil
}

func (a *app) writeMetrics(res *manifest.Result, runErr error) error {
	rec, err := metrics.NewRecorder()
	if err != nil {
		return err
	}
	var (
		report  *resource.Report
		actions int
	)
	if res != nil {
		report = res.Report
		if res.Upgrade != nil {
			actions = len(res.Plan)
		}
	}
	rec.Observe(a.params.Version.String(), report, actions, runErr, time.Now())
	return rec.WriteTextfile(a.cfg.Metrics.Textfile)
}

type factsOutput struct {
	WebappDir                   string `yaml:"webapp_dir"`
	ConfigFilePath              string `yaml:"config_file_path"`
	UsesLegacyServerXMLLocation bool   `yaml:"uses_legacy_server_xml_location"`
	SupportsExtraProperties     bool   `yaml:"supports_extra_properties"`
}

type planOutput struct {
	Requested string               `yaml:"requested"`
	Installed string               `yaml:"installed,omitempty"`
	Facts     factsOutput          `yaml:"facts"`
	Upgrade   []upgrade.Action     `yaml:"upgrade,omitempty"`
	Resources []*resource.Resource `yaml:"resources"`
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return enc.Close()
}
