// Package upgrade sequences the steps that move an installed Bitbucket to a
// new version.
package upgrade

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/bitbucket-deployer/pkg/policy"
)

// StaleConfigFile is left behind by Stash and breaks start-up after an upgrade.
const StaleConfigFile = "stash-config.properties"

// DefaultNotifyMessage is emitted once an upgrade has been sequenced.
const DefaultNotifyMessage = "Attempting to upgrade bitbucket"

// DefaultGrace is how long the service is given to exit after a stop.
const DefaultGrace = 15 * time.Second

// ActionKind identifies an upgrade step. The numeric order is the only order
// in which actions may run.
type ActionKind int

const (
	StopService ActionKind = iota + 1
	DeleteStaleFile
	ReinstallArtifact
	Reconfigure
	StartService
	Notify
)

var actionNames = map[ActionKind]string{
	StopService:       "StopService",
	DeleteStaleFile:   "DeleteStaleFile",
	ReinstallArtifact: "ReinstallArtifact",
	Reconfigure:       "Reconfigure",
	StartService:      "StartService",
	Notify:            "Notify",
}

func (k ActionKind) String() string {
	if name, ok := actionNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// MarshalText renders the kind by name in plan output.
func (k ActionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Action is a single step of an upgrade plan. Path is set for
// DeleteStaleFile, Message for Notify and Grace for StopService.
type Action struct {
	Kind    ActionKind    `json:"kind" yaml:"kind"`
	Path    string        `json:"path,omitempty" yaml:"path,omitempty"`
	Message string        `json:"message,omitempty" yaml:"message,omitempty"`
	Grace   time.Duration `json:"grace,omitempty" yaml:"grace,omitempty"`
}

func (a Action) String() string {
	switch a.Kind {
	case StopService:
		return fmt.Sprintf("%s(grace=%s)", a.Kind, a.Grace)
	case DeleteStaleFile:
		return fmt.Sprintf("%s(%s)", a.Kind, a.Path)
	case Notify:
		return fmt.Sprintf("%s(%q)", a.Kind, a.Message)
	default:
		return a.Kind.String()
	}
}

// PlanOptions parameterise Plan.
type PlanOptions struct {
	HomeDir string
	Grace   time.Duration
	Message string
	Logger  *zap.Logger
}

// Plan returns the actions needed to move from installed to requested. It
// returns nil when nothing is installed or the versions are equal.
func Plan(installed, requested *policy.Version, opts PlanOptions) []Action {
	if installed == nil || requested == nil || installed.Equal(requested) {
		return nil
	}

	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Message == "" {
		opts.Message = DefaultNotifyMessage
	}
	if installed.Compare(requested) > 0 && opts.Logger != nil {
		opts.Logger.Warn("requested version is older than the installed one, planning a downgrade",
			zap.String("installed", installed.String()),
			zap.String("requested", requested.String()))
	}

	return []Action{
		{Kind: StopService, Grace: opts.Grace},
		{Kind: DeleteStaleFile, Path: filepath.Join(opts.HomeDir, StaleConfigFile)},
		{Kind: ReinstallArtifact},
		{Kind: Reconfigure},
		{Kind: StartService},
		{Kind: Notify, Message: opts.Message},
	}
}
