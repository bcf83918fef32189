package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/yourorg/bitbucket-deployer/pkg/resource"
)

// ServiceManager starts, stops and enables services.
type ServiceManager interface {
	Running(ctx context.Context, name string) (bool, error)
	Enabled(ctx context.Context, name string) (bool, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	SetEnabled(ctx context.Context, name string, enabled bool) error
	Reload(ctx context.Context) error
}

// CommandRunner runs a shell script, optionally as another user, and
// returns its combined output.
type CommandRunner func(ctx context.Context, runAs, script string) (string, error)

// System provides accounts, services, commands and cron jobs.
type System struct {
	services    ServiceManager
	files       *Files
	logger      *zap.Logger
	run         CommandRunner
	userExists  func(name string) (bool, error)
	groupExists func(name string) (bool, error)
	cronDir     string
}

// NewSystem creates a system provider. Cron entries are written through files.
func NewSystem(services ServiceManager, files *Files, logger *zap.Logger) *System {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &System{
		services:    services,
		files:       files,
		logger:      logger,
		run:         ShellRunner,
		userExists:  userExists,
		groupExists: groupExists,
		cronDir:     DefaultCronDir,
	}
}

// ShellRunner runs script with sh -c, through runuser when runAs is set.
func ShellRunner(ctx context.Context, runAs, script string) (string, error) {
	var cmd *exec.Cmd
	if runAs != "" {
		cmd = exec.CommandContext(ctx, "runuser", "-u", runAs, "--", "sh", "-c", script)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", script)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := stdout.String()
	if stderr.Len() > 0 {
		output += "\n--- stderr ---\n" + stderr.String()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output, fmt.Errorf("command exited with code %d", exitErr.ExitCode())
		}
		return output, err
	}
	return output, nil
}

func userExists(name string) (bool, error) {
	if _, err := user.Lookup(name); err != nil {
		var unknown user.UnknownUserError
		if errors.As(err, &unknown) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func groupExists(name string) (bool, error) {
	if _, err := user.LookupGroup(name); err != nil {
		var unknown user.UnknownGroupError
		if errors.As(err, &unknown) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// EnsureGroup implements resource.System. Existing groups are left alone.
func (s *System) EnsureGroup(ctx context.Context, g resource.GroupSpec) (bool, error) {
	exists, err := s.groupExists(g.Name)
	if err != nil || exists {
		return false, err
	}

	args := []string{"groupadd"}
	if g.GID != nil {
		args = append(args, "-g", strconv.Itoa(*g.GID))
	}
	args = append(args, g.Name)
	return true, s.exec(ctx, "creating group", args)
}

// EnsureUser implements resource.System. Existing accounts are left alone.
func (s *System) EnsureUser(ctx context.Context, u resource.UserSpec) (bool, error) {
	exists, err := s.userExists(u.Name)
	if err != nil || exists {
		return false, err
	}

	args := []string{"useradd", "-m"}
	if u.Home != "" {
		args = append(args, "-d", u.Home)
	}
	if u.Shell != "" {
		args = append(args, "-s", u.Shell)
	}
	switch {
	case u.GID != nil:
		args = append(args, "-g", strconv.Itoa(*u.GID))
	case u.Group != "":
		args = append(args, "-g", u.Group)
	}
	if u.UID != nil {
		args = append(args, "-u", strconv.Itoa(*u.UID))
	}
	args = append(args, u.Name)
	return true, s.exec(ctx, "creating user", args)
}

func (s *System) exec(ctx context.Context, what string, args []string) error {
	script := shellJoin(args)
	s.logger.Info(what, zap.String("command", script), zap.Bool("noop", resource.IsNoop(ctx)))
	if resource.IsNoop(ctx) {
		return nil
	}
	if out, err := s.run(ctx, "", script); err != nil {
		return fmt.Errorf("%s: %w: %s", args[0], err, strings.TrimSpace(out))
	}
	return nil
}

// EnsureService implements resource.System.
func (s *System) EnsureService(ctx context.Context, spec resource.ServiceSpec) (bool, error) {
	if s.services == nil {
		return false, errors.New("no service manager configured")
	}
	noop := resource.IsNoop(ctx)
	changed := false

	enabled, err := s.services.Enabled(ctx, spec.Name)
	if err != nil {
		return false, err
	}
	if enabled != spec.Enable {
		changed = true
		s.logger.Info("changing service enablement",
			zap.String("service", spec.Name), zap.Bool("enable", spec.Enable), zap.Bool("noop", noop))
		if !noop {
			if err := s.services.SetEnabled(ctx, spec.Name, spec.Enable); err != nil {
				return false, err
			}
		}
	}

	running, err := s.services.Running(ctx, spec.Name)
	if err != nil {
		return false, err
	}
	if running == spec.Running {
		return changed, nil
	}

	s.logger.Info("changing service state",
		zap.String("service", spec.Name), zap.Bool("running", spec.Running), zap.Bool("noop", noop))
	if noop {
		return true, nil
	}
	if spec.Running {
		if err := s.services.Reload(ctx); err != nil {
			return false, err
		}
		return true, s.services.Start(ctx, spec.Name)
	}
	return true, s.services.Stop(ctx, spec.Name)
}

// RestartService implements resource.System.
func (s *System) RestartService(ctx context.Context, name string) error {
	if s.services == nil {
		return errors.New("no service manager configured")
	}
	s.logger.Info("restarting service", zap.String("service", name))
	if err := s.services.Reload(ctx); err != nil {
		return err
	}
	return s.services.Restart(ctx, name)
}

// StopService implements resource.System.
func (s *System) StopService(ctx context.Context, name string) (bool, error) {
	if s.services == nil {
		return false, errors.New("no service manager configured")
	}
	running, err := s.services.Running(ctx, name)
	if err != nil || !running {
		return false, err
	}
	s.logger.Info("stopping service", zap.String("service", name), zap.Bool("noop", resource.IsNoop(ctx)))
	if resource.IsNoop(ctx) {
		return true, nil
	}
	return true, s.services.Stop(ctx, name)
}

// RunCommand implements resource.System. Guards are evaluated even in noop
// mode; the command itself is not.
func (s *System) RunCommand(ctx context.Context, c resource.CommandSpec) (bool, error) {
	if c.Creates != "" && s.files != nil {
		exists, err := s.files.Exists(ctx, c.Creates)
		if err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
	}
	if c.OnlyIf != "" {
		if _, err := s.run(ctx, c.User, c.OnlyIf); err != nil {
			return false, nil
		}
	}
	if c.Unless != "" {
		if _, err := s.run(ctx, c.User, c.Unless); err == nil {
			return false, nil
		}
	}

	s.logger.Info("running command",
		zap.String("command", c.Command),
		zap.String("user", c.User),
		zap.Bool("noop", resource.IsNoop(ctx)))
	if resource.IsNoop(ctx) {
		return true, nil
	}
	out, err := s.run(ctx, c.User, c.Command)
	if err != nil {
		return false, fmt.Errorf("%w: %s", err, strings.TrimSpace(out))
	}
	return true, nil
}

// shellJoin quotes args for sh.
func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a != "" && strings.IndexFunc(a, func(r rune) bool {
			return !(r == '-' || r == '_' || r == '/' || r == '.' || r == ':' || r == '=' ||
				(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
		}) < 0 {
			quoted[i] = a
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
