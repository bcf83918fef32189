package host

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gorhill/cronexpr"

	"github.com/yourorg/bitbucket-deployer/pkg/resource"
)

// DefaultCronDir holds one file per scheduled job.
const DefaultCronDir = "/etc/cron.d"

var cronSlug = regexp.MustCompile(`[^a-z0-9_-]+`)

// ValidateSchedule checks a daily minute/hour pair the way cron would.
func ValidateSchedule(minute, hour string) error {
	if minute == "" || hour == "" {
		return errors.New("cron minute and hour are required")
	}
	if _, err := cronexpr.Parse(fmt.Sprintf("%s %s * * *", minute, hour)); err != nil {
		return fmt.Errorf("invalid cron schedule %q %q: %w", minute, hour, err)
	}
	return nil
}

// CronFileName maps a job name to its file under the cron directory. cron
// ignores files containing dots, so those are replaced too.
func CronFileName(name string) string {
	slug := cronSlug.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(slug, "-")
}

// CronEntry renders the cron.d file for c.
func CronEntry(c resource.CronSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Managed by bitbucket-deployer: %s\n", c.Name)
	b.WriteString("SHELL=/bin/sh\n")
	b.WriteString("PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin\n")
	fmt.Fprintf(&b, "%s %s * * * %s %s\n", c.Minute, c.Hour, c.User, strings.ReplaceAll(c.Command, "%", `\%`))
	return b.String()
}

// ScheduleCron implements resource.System.
func (s *System) ScheduleCron(ctx context.Context, c resource.CronSpec) (bool, error) {
	if err := ValidateSchedule(c.Minute, c.Hour); err != nil {
		return false, err
	}
	if strings.Contains(c.Command, "\n") {
		return false, fmt.Errorf("cron command for %q must be a single line", c.Name)
	}
	if s.files == nil {
		return false, errors.New("no filesystem configured for cron entries")
	}

	path := filepath.Join(s.cronDir, CronFileName(c.Name))
	return s.files.EnsureFile(ctx, path, []byte(CronEntry(c)), "", "", "0644")
}
