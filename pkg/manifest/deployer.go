package manifest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/bitbucket-deployer/pkg/policy"
	"github.com/yourorg/bitbucket-deployer/pkg/resource"
	"github.com/yourorg/bitbucket-deployer/pkg/upgrade"
)

// Preflight is run before anything on the host is touched.
type Preflight func(ctx context.Context) error

// Result is the outcome of Deploy.
type Result struct {
	RunID   string           `json:"run_id" yaml:"run_id"`
	Noop    bool             `json:"noop" yaml:"noop"`
	Plan    []upgrade.Action `json:"plan,omitempty" yaml:"plan,omitempty"`
	Upgrade *upgrade.Status  `json:"upgrade,omitempty" yaml:"upgrade,omitempty"`
	Report  *resource.Report `json:"report" yaml:"report"`
	Pending []string         `json:"pending,omitempty" yaml:"pending,omitempty"`
}

// Deployer applies a Manifest to the host.
type Deployer struct {
	providers  resource.Providers
	logger     *zap.Logger
	preflights []Preflight
}

// NewDeployer creates a deployer over the host providers.
func NewDeployer(providers resource.Providers, logger *zap.Logger, preflights ...Preflight) *Deployer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deployer{providers: providers, logger: logger, preflights: preflights}
}

// Deploy converges the host to m. When installed differs from the requested
// version, the upgrade sequence runs first and drives the install, config and
// service classes itself. A full apply then converges whatever remains.
// Under resource.WithNoop the upgrade plan is reported but not run.
func (d *Deployer) Deploy(ctx context.Context, m *Manifest, installed *policy.Version) (*Result, error) {
	engine := resource.NewEngine(d.providers, d.logger)
	logger := d.logger.With(zap.String("run_id", engine.RunID()))
	noop := resource.IsNoop(ctx)

	res := &Result{
		RunID:  engine.RunID(),
		Noop:   noop,
		Report: &resource.Report{RunID: engine.RunID(), Noop: noop},
	}

	if !noop {
		for _, check := range d.preflights {
			if err := check(ctx); err != nil {
				return res, fmt.Errorf("preflight failed: %w", err)
			}
		}
	}

	p := m.Params
	res.Plan = upgrade.Plan(installed, p.Version, upgrade.PlanOptions{
		HomeDir: p.Install.HomeDir,
		Grace:   p.Service.Grace,
		Logger:  logger,
	})

	if len(res.Plan) > 0 {
		logger.Info("upgrade required",
			zap.Stringer("installed", installed),
			zap.Stringer("requested", p.Version),
			zap.Bool("noop", noop))

		if !noop {
			runner := upgrade.NewRunner(d.upgradeSteps(engine, m, res.Report), logger)
			err := runner.Run(ctx, res.Plan)
			status := runner.Status()
			res.Upgrade = &status
			if err != nil {
				res.Pending = engine.Pending()
				return res, err
			}
		}
	}

	start := time.Now()
	report, err := engine.Apply(ctx, m.Catalog)
	res.Report.Merge(report)
	res.Pending = engine.Pending()
	if err != nil {
		return res, err
	}

	logger.Info("deployment converged",
		zap.Int("applied", res.Report.Applied),
		zap.Int("changed", res.Report.Changed),
		zap.Int("refreshed", res.Report.Refreshed),
		zap.Duration("apply_duration", time.Since(start)),
		zap.Bool("noop", noop))

	return res, nil
}

// upgradeSteps binds the upgrade actions to the host and the catalog classes.
func (d *Deployer) upgradeSteps(engine *resource.Engine, m *Manifest, report *resource.Report) upgrade.Steps {
	applyClass := func(class string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			if len(m.Catalog.Class(class)) == 0 {
				return nil
			}
			r, err := engine.ApplyClasses(ctx, m.Catalog, class)
			report.Merge(r)
			return err
		}
	}

	steps := upgrade.Steps{
		DeleteStaleFile: func(ctx context.Context, path string) error {
			if d.providers.Filesystem == nil {
				return fmt.Errorf("no filesystem provider configured")
			}
			_, err := d.providers.Filesystem.RemoveFile(ctx, path)
			return err
		},
		Reinstall:    applyClass(ClassInstall),
		Reconfigure:  applyClass(ClassConfig),
		StartService: applyClass(ClassService),
	}

	if m.Params.Service.Manage {
		steps.StopService = func(ctx context.Context) error {
			if d.providers.System == nil {
				return fmt.Errorf("no system provider configured")
			}
			_, err := d.providers.System.StopService(ctx, m.Params.Service.Name)
			return err
		}
	}

	return steps
}
