package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event records what happened to one resource.
type Event struct {
	Resource  string `json:"resource" yaml:"resource"`
	Changed   bool   `json:"changed" yaml:"changed"`
	Refreshed bool   `json:"refreshed,omitempty" yaml:"refreshed,omitempty"`
}

// Report summarises one or more applies of the same run.
type Report struct {
	RunID     string        `json:"run_id" yaml:"run_id"`
	Noop      bool          `json:"noop" yaml:"noop"`
	Applied   int           `json:"applied" yaml:"applied"`
	Changed   int           `json:"changed" yaml:"changed"`
	Refreshed int           `json:"refreshed" yaml:"refreshed"`
	Failed    string        `json:"failed,omitempty" yaml:"failed,omitempty"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	Events    []Event       `json:"events,omitempty" yaml:"events,omitempty"`
}

// Merge folds o into r.
func (r *Report) Merge(o *Report) {
	if o == nil {
		return
	}
	r.Applied += o.Applied
	r.Changed += o.Changed
	r.Refreshed += o.Refreshed
	r.Duration += o.Duration
	r.Events = append(r.Events, o.Events...)
	if o.Failed != "" {
		r.Failed = o.Failed
	}
}

// Engine applies catalogs. Refreshes scheduled by a change but targeting a
// resource outside the applied classes stay pending for a later apply on
// the same engine.
type Engine struct {
	providers Providers
	logger    *zap.Logger
	runID     string
	pending   map[string]bool
}

// NewEngine creates an engine for one run.
func NewEngine(p Providers, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := uuid.New().String()
	return &Engine{
		providers: p,
		logger:    logger.With(zap.String("run_id", runID)),
		runID:     runID,
		pending:   make(map[string]bool),
	}
}

// RunID identifies the run in logs and reports.
func (e *Engine) RunID() string {
	return e.runID
}

// Pending returns the IDs with a refresh still outstanding, sorted.
func (e *Engine) Pending() []string {
	var out []string
	for id := range e.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Apply converges every resource in c.
func (e *Engine) Apply(ctx context.Context, c *Catalog) (*Report, error) {
	return e.apply(ctx, c, nil)
}

// ApplyClasses converges only the resources in the named classes, still in
// catalog order.
func (e *Engine) ApplyClasses(ctx context.Context, c *Catalog, classes ...string) (*Report, error) {
	filter := make(map[string]bool, len(classes))
	for _, cl := range classes {
		if !c.hasClass(cl) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownReference, ClassRef(cl))
		}
		filter[cl] = true
	}
	return e.apply(ctx, c, filter)
}

func (e *Engine) apply(ctx context.Context, c *Catalog, filter map[string]bool) (*Report, error) {
	start := time.Now()
	report := &Report{RunID: e.runID, Noop: IsNoop(ctx)}
	defer func() { report.Duration = time.Since(start) }()

	g, err := c.graph()
	if err != nil {
		return report, err
	}
	order, stuck := g.sort()
	if len(stuck) > 0 {
		return report, c.cycleError(stuck)
	}

	for _, n := range order {
		r := c.resources[n]
		if filter != nil && !filter[r.Class] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		id := r.ID()
		changed, started, err := e.converge(ctx, r)
		if err != nil {
			report.Failed = id
			e.logger.Error("resource failed", zap.String("resource", id), zap.Error(err))
			return report, err
		}

		event := Event{Resource: id, Changed: changed}
		if e.pending[id] {
			delete(e.pending, id)
			if !started {
				refreshed, err := e.refresh(ctx, r)
				if err != nil {
					report.Failed = id
					e.logger.Error("refresh failed", zap.String("resource", id), zap.Error(err))
					return report, err
				}
				if refreshed {
					event.Refreshed = true
					report.Refreshed++
					if r.Kind == KindExec {
						changed = true
						event.Changed = true
					}
				}
			}
		}

		report.Applied++
		if changed {
			report.Changed++
			e.logger.Info("resource changed", zap.String("resource", id), zap.Bool("noop", report.Noop))
			for _, t := range g.notifies[n] {
				e.pending[c.resources[t].ID()] = true
			}
		}
		report.Events = append(report.Events, event)
	}

	return report, nil
}

// converge brings r to its declared state. started is true when a service
// was started by this call.
func (e *Engine) converge(ctx context.Context, r *Resource) (changed, started bool, err error) {
	id := r.ID()
	wrap := func(op string, err error) error {
		if err == nil {
			return nil
		}
		var ae *ActionError
		if errors.As(err, &ae) {
			return err
		}
		return &ActionError{Resource: id, Op: op, Err: err}
	}

	switch r.Kind {
	case KindFile:
		fs, err := e.filesystem(id)
		if err != nil {
			return false, false, err
		}
		switch r.Ensure {
		case EnsureDirectory:
			changed, err = fs.EnsureDirectory(ctx, r.Path, r.Owner, r.Group, r.Mode)
			return changed, false, wrap("ensure directory", err)
		case EnsureAbsent:
			changed, err = fs.RemoveFile(ctx, r.Path)
			return changed, false, wrap("remove", err)
		default:
			changed, err = fs.EnsureFile(ctx, r.Path, []byte(r.Content), r.Owner, r.Group, r.Mode)
			return changed, false, wrap("ensure file", err)
		}

	case KindArchive:
		fs, err := e.filesystem(id)
		if err != nil {
			return false, false, err
		}
		if e.providers.Archiver == nil {
			return false, false, &ActionError{Resource: id, Op: "fetch", Err: errors.New("no archiver configured")}
		}
		if r.Creates != "" {
			exists, err := fs.Exists(ctx, r.Creates)
			if err != nil {
				return false, false, wrap("stat", err)
			}
			if exists {
				return false, false, nil
			}
		}
		fetched, err := e.providers.Archiver.Fetch(ctx, r.Source, r.Checksum, r.ChecksumType, r.Path)
		if err != nil {
			return false, false, wrap("fetch", err)
		}
		extracted, err := e.providers.Archiver.Extract(ctx, r.Path, r.ExtractPath, r.Owner, r.Group, r.Creates)
		return fetched || extracted, false, wrap("extract", err)

	case KindTidy:
		fs, err := e.filesystem(id)
		if err != nil {
			return false, false, err
		}
		age, err := ParseAge(r.Age)
		if err != nil {
			return false, false, err
		}
		changed, err = fs.TidyOldFiles(ctx, r.Path, r.Matches, age)
		return changed, false, wrap("tidy", err)

	case KindIniSetting:
		fs, err := e.filesystem(id)
		if err != nil {
			return false, false, err
		}
		changed, err = fs.EnsureIniSetting(ctx, r.Path, r.Section, r.Key, r.Value)
		return changed, false, wrap("ini setting", err)
	}

	sys, err := e.system(id)
	if err != nil {
		return false, false, err
	}
	switch r.Kind {
	case KindGroup:
		changed, err = sys.EnsureGroup(ctx, GroupSpec{Name: r.Title, GID: r.GID})
		return changed, false, wrap("ensure group", err)
	case KindUser:
		changed, err = sys.EnsureUser(ctx, UserSpec{
			Name: r.Title, UID: r.UID, GID: r.GID, Group: r.Group, Home: r.Home, Shell: r.Shell,
		})
		return changed, false, wrap("ensure user", err)
	case KindService:
		running := r.Ensure == EnsureRunning
		changed, err = sys.EnsureService(ctx, ServiceSpec{Name: r.Title, Running: running, Enable: r.Enable})
		return changed, changed && running, wrap("ensure service", err)
	case KindExec:
		if r.RefreshOnly {
			return false, false, nil
		}
		changed, err = sys.RunCommand(ctx, r.commandSpec())
		return changed, false, wrap("run", err)
	case KindCron:
		changed, err = sys.ScheduleCron(ctx, CronSpec{
			Name: r.Title, Command: r.Command, User: r.User, Hour: r.Hour, Minute: r.Minute,
		})
		return changed, false, wrap("schedule cron", err)
	}

	return false, false, fmt.Errorf("unknown resource kind %q", r.Kind)
}

// refresh reacts to a notification. Only services and refresh-only
// commands do anything.
func (e *Engine) refresh(ctx context.Context, r *Resource) (bool, error) {
	id := r.ID()
	switch r.Kind {
	case KindService:
		if r.Ensure != EnsureRunning {
			return false, nil
		}
		e.logger.Info("restarting service", zap.String("resource", id), zap.Bool("noop", IsNoop(ctx)))
		if IsNoop(ctx) {
			return true, nil
		}
		sys, err := e.system(id)
		if err != nil {
			return false, err
		}
		if err := sys.RestartService(ctx, r.Title); err != nil {
			return false, &ActionError{Resource: id, Op: "restart", Err: err}
		}
		return true, nil
	case KindExec:
		sys, err := e.system(id)
		if err != nil {
			return false, err
		}
		ran, err := sys.RunCommand(ctx, r.commandSpec())
		if err != nil {
			return false, &ActionError{Resource: id, Op: "run", Err: err}
		}
		return ran, nil
	}
	return false, nil
}

func (r *Resource) commandSpec() CommandSpec {
	return CommandSpec{
		Command: r.Command,
		User:    r.User,
		Creates: r.Creates,
		OnlyIf:  r.OnlyIf,
		Unless:  r.Unless,
	}
}

func (e *Engine) filesystem(id string) (Filesystem, error) {
	if e.providers.Filesystem == nil {
		return nil, &ActionError{Resource: id, Op: "filesystem", Err: errors.New("no filesystem provider configured")}
	}
	return e.providers.Filesystem, nil
}

func (e *Engine) system(id string) (System, error) {
	if e.providers.System == nil {
		return nil, &ActionError{Resource: id, Op: "system", Err: errors.New("no system provider configured")}
	}
	return e.providers.System, nil
}
