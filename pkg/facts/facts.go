// Package facts discovers the state of a running Bitbucket instance.
package facts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/bitbucket-deployer/internal/version"
	"github.com/yourorg/bitbucket-deployer/pkg/policy"
)

const applicationPropertiesPath = "/rest/api/1.0/application-properties"

// ErrNotInstalled is returned when no instance answers on the local port.
var ErrNotInstalled = errors.New("no running instance found")

// ApplicationProperties is the payload of the application-properties endpoint.
type ApplicationProperties struct {
	Version     string `json:"version" yaml:"version"`
	BuildNumber string `json:"buildNumber" yaml:"build_number"`
	BuildDate   string `json:"buildDate" yaml:"build_date"`
	DisplayName string `json:"displayName" yaml:"display_name"`
}

// Detector queries the local instance for its version.
type Detector struct {
	baseURL    string
	override   string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithOverride makes Detect return v without contacting the instance.
func WithOverride(v string) Option {
	return func(d *Detector) { d.override = v }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Detector) { d.httpClient = c }
}

// WithBaseURL points the detector at a different origin. Used by tests.
func WithBaseURL(u string) Option {
	return func(d *Detector) { d.baseURL = strings.TrimSuffix(u, "/") }
}

// NewDetector creates a detector for http://127.0.0.1:<port><contextPath>.
func NewDetector(port int, contextPath string, logger *zap.Logger, opts ...Option) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{
		baseURL: "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) + strings.TrimSuffix(contextPath, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Properties fetches the application properties.
func (d *Detector) Properties(ctx context.Context) (*ApplicationProperties, error) {
	url := d.baseURL + applicationPropertiesPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := d.httpClient.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return nil, fmt.Errorf("%w: %v", ErrNotInstalled, err)
		}
		return nil, fmt.Errorf("failed to query %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code from %s: %d", url, resp.StatusCode)
	}

	var props ApplicationProperties
	if err := json.NewDecoder(resp.Body).Decode(&props); err != nil {
		return nil, fmt.Errorf("failed to decode application properties: %w", err)
	}
	return &props, nil
}

// InstalledVersion returns the running version, or nil when nothing is
// installed. An override always wins.
func (d *Detector) InstalledVersion(ctx context.Context) (*policy.Version, error) {
	if d.override != "" {
		return policy.ParseVersion(d.override)
	}

	props, err := d.Properties(ctx)
	if errors.Is(err, ErrNotInstalled) {
		d.logger.Info("no running instance detected", zap.Error(err))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	v, err := policy.ParseVersion(props.Version)
	if err != nil {
		return nil, fmt.Errorf("instance reported version %q: %w", props.Version, err)
	}
	d.logger.Info("detected installed version", zap.String("version", v.String()))
	return v, nil
}
