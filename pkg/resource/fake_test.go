package resource

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// fakeHost is an in-memory host implementing every provider interface.
type fakeHost struct {
	files    map[string]string
	dirs     map[string]bool
	ini      map[string]string
	users    map[string]bool
	groups   map[string]bool
	services map[string]bool
	crons    map[string]string
	archives map[string]bool

	calls    []string
	restarts []string
	commands []string
	failOn   string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		files:    map[string]string{},
		dirs:     map[string]bool{},
		ini:      map[string]string{},
		users:    map[string]bool{},
		groups:   map[string]bool{},
		services: map[string]bool{},
		crons:    map[string]string{},
		archives: map[string]bool{},
	}
}

func (h *fakeHost) providers() Providers {
	return Providers{Archiver: h, Filesystem: h, System: h}
}

func (h *fakeHost) record(call string) error {
	h.calls = append(h.calls, call)
	if h.failOn != "" && h.failOn == call {
		return errors.New("simulated failure")
	}
	return nil
}

func (h *fakeHost) Fetch(ctx context.Context, url, _, _, dest string) (bool, error) {
	if err := h.record("fetch " + dest); err != nil {
		return false, err
	}
	if h.archives[dest] {
		return false, nil
	}
	if !IsNoop(ctx) {
		h.archives[dest] = true
	}
	return true, nil
}

func (h *fakeHost) Extract(ctx context.Context, archive, dest, _, _, creates string) (bool, error) {
	if err := h.record("extract " + archive); err != nil {
		return false, err
	}
	if h.dirs[creates] {
		return false, nil
	}
	if !IsNoop(ctx) {
		h.dirs[creates] = true
	}
	return true, nil
}

func (h *fakeHost) Exists(_ context.Context, path string) (bool, error) {
	_, isFile := h.files[path]
	return isFile || h.dirs[path], nil
}

func (h *fakeHost) EnsureDirectory(ctx context.Context, path, _, _, _ string) (bool, error) {
	if err := h.record("dir " + path); err != nil {
		return false, err
	}
	if h.dirs[path] {
		return false, nil
	}
	if !IsNoop(ctx) {
		h.dirs[path] = true
	}
	return true, nil
}

func (h *fakeHost) EnsureFile(ctx context.Context, path string, content []byte, _, _, _ string) (bool, error) {
	if err := h.record("file " + path); err != nil {
		return false, err
	}
	if cur, ok := h.files[path]; ok && cur == string(content) {
		return false, nil
	}
	if !IsNoop(ctx) {
		h.files[path] = string(content)
	}
	return true, nil
}

func (h *fakeHost) RemoveFile(ctx context.Context, path string) (bool, error) {
	if err := h.record("remove " + path); err != nil {
		return false, err
	}
	if _, ok := h.files[path]; !ok {
		return false, nil
	}
	if !IsNoop(ctx) {
		delete(h.files, path)
	}
	return true, nil
}

func (h *fakeHost) TidyOldFiles(_ context.Context, dir, matches string, age time.Duration) (bool, error) {
	return false, h.record(fmt.Sprintf("tidy %s %s %s", dir, matches, age))
}

func (h *fakeHost) EnsureIniSetting(ctx context.Context, path, section, key, value string) (bool, error) {
	if err := h.record("ini " + path); err != nil {
		return false, err
	}
	k := path + "|" + section + "|" + key
	if h.ini[k] == value {
		return false, nil
	}
	if !IsNoop(ctx) {
		h.ini[k] = value
	}
	return true, nil
}

func (h *fakeHost) EnsureGroup(ctx context.Context, g GroupSpec) (bool, error) {
	if err := h.record("group " + g.Name); err != nil {
		return false, err
	}
	if h.groups[g.Name] {
		return false, nil
	}
	if !IsNoop(ctx) {
		h.groups[g.Name] = true
	}
	return true, nil
}

func (h *fakeHost) EnsureUser(ctx context.Context, u UserSpec) (bool, error) {
	if err := h.record("user " + u.Name); err != nil {
		return false, err
	}
	if h.users[u.Name] {
		return false, nil
	}
	if !IsNoop(ctx) {
		h.users[u.Name] = true
	}
	return true, nil
}

func (h *fakeHost) EnsureService(ctx context.Context, s ServiceSpec) (bool, error) {
	if err := h.record("service " + s.Name); err != nil {
		return false, err
	}
	if h.services[s.Name] == s.Running {
		return false, nil
	}
	if !IsNoop(ctx) {
		h.services[s.Name] = s.Running
	}
	return true, nil
}

func (h *fakeHost) RestartService(_ context.Context, name string) error {
	h.restarts = append(h.restarts, name)
	return h.record("restart " + name)
}

func (h *fakeHost) StopService(ctx context.Context, name string) (bool, error) {
	if err := h.record("stop " + name); err != nil {
		return false, err
	}
	if !h.services[name] {
		return false, nil
	}
	if !IsNoop(ctx) {
		h.services[name] = false
	}
	return true, nil
}

func (h *fakeHost) RunCommand(ctx context.Context, c CommandSpec) (bool, error) {
	if err := h.record("exec " + c.Command); err != nil {
		return false, err
	}
	if c.Creates != "" && h.dirs[c.Creates] {
		return false, nil
	}
	if !IsNoop(ctx) {
		h.commands = append(h.commands, c.Command)
	}
	return true, nil
}

func (h *fakeHost) ScheduleCron(ctx context.Context, c CronSpec) (bool, error) {
	if err := h.record("cron " + c.Name); err != nil {
		return false, err
	}
	line := c.Minute + " " + c.Hour + " " + c.User + " " + c.Command
	if h.crons[c.Name] == line {
		return false, nil
	}
	if !IsNoop(ctx) {
		h.crons[c.Name] = line
	}
	return true, nil
}
