package host

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
	"go.uber.org/zap"
)

// UnitDir is where managed unit files are written.
const UnitDir = "/etc/systemd/system"

// DBusAPI is the subset of the systemd D-Bus connection used here.
type DBusAPI interface {
	Close()
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
	ListUnitFilesByPatternsContext(ctx context.Context, states, patterns []string) ([]dbus.UnitFile, error)
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	EnableUnitFilesContext(ctx context.Context, files []string, runtime, force bool) (bool, []dbus.EnableUnitFileChange, error)
	DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]dbus.DisableUnitFileChange, error)
	ReloadContext(ctx context.Context) error
}

// Systemd controls units over D-Bus.
type Systemd struct {
	newConn func(ctx context.Context) (DBusAPI, error)
	logger  *zap.Logger
}

// NewSystemd connects to the system bus on each operation.
func NewSystemd(logger *zap.Logger) *Systemd {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Systemd{
		newConn: func(ctx context.Context) (DBusAPI, error) {
			return dbus.NewWithContext(ctx)
		},
		logger: logger,
	}
}

// UnitName appends .service when name has no unit suffix.
func UnitName(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

func (s *Systemd) conn(ctx context.Context) (DBusAPI, error) {
	conn, err := s.newConn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return conn, nil
}

// Running reports whether the unit is active.
func (s *Systemd) Running(ctx context.Context, name string) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	unit := UnitName(name)
	units, err := conn.ListUnitsByNamesContext(ctx, []string{unit})
	if err != nil {
		return false, fmt.Errorf("failed to query %s: %w", unit, err)
	}
	for _, u := range units {
		if u.Name == unit {
			return u.ActiveState == "active", nil
		}
	}
	return false, nil
}

// Enabled reports whether the unit starts at boot.
func (s *Systemd) Enabled(ctx context.Context, name string) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	unit := UnitName(name)
	files, err := conn.ListUnitFilesByPatternsContext(ctx, nil, []string{unit})
	if err != nil {
		return false, fmt.Errorf("failed to query unit files for %s: %w", unit, err)
	}
	for _, f := range files {
		if strings.HasSuffix(f.Path, "/"+unit) {
			return f.Type == "enabled", nil
		}
	}
	return false, nil
}

// Start starts the unit and waits for the job to finish.
func (s *Systemd) Start(ctx context.Context, name string) error {
	return s.job(ctx, "start", name, func(conn DBusAPI, unit string, ch chan<- string) (int, error) {
		return conn.StartUnitContext(ctx, unit, "replace", ch)
	})
}

// Stop stops the unit and waits for the job to finish.
func (s *Systemd) Stop(ctx context.Context, name string) error {
	return s.job(ctx, "stop", name, func(conn DBusAPI, unit string, ch chan<- string) (int, error) {
		return conn.StopUnitContext(ctx, unit, "replace", ch)
	})
}

// Restart restarts the unit and waits for the job to finish.
func (s *Systemd) Restart(ctx context.Context, name string) error {
	return s.job(ctx, "restart", name, func(conn DBusAPI, unit string, ch chan<- string) (int, error) {
		return conn.RestartUnitContext(ctx, unit, "replace", ch)
	})
}

func (s *Systemd) job(ctx context.Context, op, name string, submit func(DBusAPI, string, chan<- string) (int, error)) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	unit := UnitName(name)
	statusCh := make(chan string, 1)
	if _, err := submit(conn, unit, statusCh); err != nil {
		return fmt.Errorf("dbus %s request for %s failed: %w", op, unit, err)
	}

	select {
	case status := <-statusCh:
		if status != "done" {
			return fmt.Errorf("failed to %s %s (job status %q)", op, unit, status)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Debug("systemd job finished", zap.String("op", op), zap.String("unit", unit))
	return nil
}

// SetEnabled enables or disables the unit.
func (s *Systemd) SetEnabled(ctx context.Context, name string, enabled bool) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	unit := UnitName(name)
	if enabled {
		if _, _, err := conn.EnableUnitFilesContext(ctx, []string{unit}, false, true); err != nil {
			return fmt.Errorf("failed to enable %s: %w", unit, err)
		}
	} else {
		if _, err := conn.DisableUnitFilesContext(ctx, []string{unit}, false); err != nil {
			return fmt.Errorf("failed to disable %s: %w", unit, err)
		}
	}
	return conn.ReloadContext(ctx)
}

// Reload makes systemd re-read unit files.
func (s *Systemd) Reload(ctx context.Context) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.ReloadContext(ctx)
}
