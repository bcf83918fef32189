package manifest

import (
	"context"
	"fmt"
	"time"

	"github.com/yourorg/bitbucket-deployer/pkg/resource"
)

// fakeHost records provider calls against in-memory host state.
type fakeHost struct {
	files    map[string]string
	dirs     map[string]bool
	ini      map[string]string
	users    map[string]bool
	groups   map[string]bool
	services map[string]bool
	crons    map[string]string
	calls    []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		files:    make(map[string]string),
		dirs:     make(map[string]bool),
		ini:      make(map[string]string),
		users:    make(map[string]bool),
		groups:   make(map[string]bool),
		services: make(map[string]bool),
		crons:    make(map[string]string),
	}
}

func (h *fakeHost) providers() resource.Providers {
	return resource.Providers{Archiver: h, Filesystem: h, System: h}
}

func (h *fakeHost) record(ctx context.Context, format string, args ...any) bool {
	h.calls = append(h.calls, fmt.Sprintf(format, args...))
	return !resource.IsNoop(ctx)
}

func (h *fakeHost) Fetch(ctx context.Context, url, _, _, dest string) (bool, error) {
	if _, ok := h.files[dest]; ok {
		return false, nil
	}
	if h.record(ctx, "fetch %s", url) {
		h.files[dest] = url
	}
	return true, nil
}

func (h *fakeHost) Extract(ctx context.Context, archive, dest, _, _, creates string) (bool, error) {
	if h.dirs[creates] {
		return false, nil
	}
	if h.record(ctx, "extract %s", archive) {
		h.dirs[creates] = true
	}
	return true, nil
}

func (h *fakeHost) Exists(_ context.Context, path string) (bool, error) {
	_, file := h.files[path]
	return file || h.dirs[path], nil
}

func (h *fakeHost) EnsureDirectory(ctx context.Context, path, _, _, _ string) (bool, error) {
	if h.dirs[path] {
		return false, nil
	}
	if h.record(ctx, "mkdir %s", path) {
		h.dirs[path] = true
	}
	return true, nil
}

func (h *fakeHost) EnsureFile(ctx context.Context, path string, content []byte, _, _, _ string) (bool, error) {
	if existing, ok := h.files[path]; ok && existing == string(content) {
		return false, nil
	}
	if h.record(ctx, "write %s", path) {
		h.files[path] = string(content)
	}
	return true, nil
}

func (h *fakeHost) RemoveFile(ctx context.Context, path string) (bool, error) {
	if _, ok := h.files[path]; !ok {
		return false, nil
	}
	if h.record(ctx, "remove %s", path) {
		delete(h.files, path)
	}
	return true, nil
}

func (h *fakeHost) TidyOldFiles(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

func (h *fakeHost) EnsureIniSetting(ctx context.Context, path, section, key, value string) (bool, error) {
	id := path + "|" + section + "|" + key
	if h.ini[id] == value {
		return false, nil
	}
	if h.record(ctx, "ini %s=%s", key, value) {
		h.ini[id] = value
	}
	return true, nil
}

func (h *fakeHost) EnsureGroup(ctx context.Context, g resource.GroupSpec) (bool, error) {
	if h.groups[g.Name] {
		return false, nil
	}
	if h.record(ctx, "groupadd %s", g.Name) {
		h.groups[g.Name] = true
	}
	return true, nil
}

func (h *fakeHost) EnsureUser(ctx context.Context, u resource.UserSpec) (bool, error) {
	if h.users[u.Name] {
		return false, nil
	}
	if h.record(ctx, "useradd %s", u.Name) {
		h.users[u.Name] = true
	}
	return true, nil
}

func (h *fakeHost) EnsureService(ctx context.Context, s resource.ServiceSpec) (bool, error) {
	if h.services[s.Name] == s.Running {
		return false, nil
	}
	if h.record(ctx, "service %s running=%t", s.Name, s.Running) {
		h.services[s.Name] = s.Running
	}
	return true, nil
}

func (h *fakeHost) RestartService(ctx context.Context, name string) error {
	h.record(ctx, "restart %s", name)
	return nil
}

func (h *fakeHost) StopService(ctx context.Context, name string) (bool, error) {
	if !h.services[name] {
		return false, nil
	}
	if h.record(ctx, "stop %s", name) {
		h.services[name] = false
	}
	return true, nil
}

func (h *fakeHost) RunCommand(ctx context.Context, c resource.CommandSpec) (bool, error) {
	h.record(ctx, "run %s", c.Command)
	return true, nil
}

func (h *fakeHost) ScheduleCron(ctx context.Context, c resource.CronSpec) (bool, error) {
	entry := fmt.Sprintf("%s %s %s %s", c.Minute, c.Hour, c.User, c.Command)
	if h.crons[c.Name] == entry {
		return false, nil
	}
	if h.record(ctx, "cron %s", c.Name) {
		h.crons[c.Name] = entry
	}
	return true, nil
}
