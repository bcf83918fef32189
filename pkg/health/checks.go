package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/yourorg/bitbucket-deployer/internal/version"
)

// ServiceState reports whether a service is active.
type ServiceState interface {
	Running(ctx context.Context, name string) (bool, error)
}

// ServiceChecker checks that the service manager reports the unit active.
type ServiceChecker struct {
	services ServiceState
	name     string
}

// NewServiceChecker creates a service checker
func NewServiceChecker(services ServiceState, name string) *ServiceChecker {
	return &ServiceChecker{services: services, name: name}
}

// Name returns the checker name
func (c *ServiceChecker) Name() string {
	return "service"
}

// Check performs the health check
func (c *ServiceChecker) Check(ctx context.Context) *Component {
	component := newComponent(c.Name())
	component.Details["service"] = c.name

	running, err := c.services.Running(ctx, c.name)
	switch {
	case err != nil:
		component.Status = StatusUnknown
		component.Message = err.Error()
	case running:
		component.Status = StatusHealthy
		component.Message = "service active"
	default:
		component.Status = StatusUnhealthy
		component.Message = "service not running"
	}
	return component
}

// PortChecker checks that something accepts TCP connections on the port.
type PortChecker struct {
	host string
	port int
}

// NewPortChecker creates a port checker
func NewPortChecker(host string, port int) *PortChecker {
	return &PortChecker{host: host, port: port}
}

// Name returns the checker name
func (c *PortChecker) Name() string {
	return "port"
}

// Check performs the health check
func (c *PortChecker) Check(ctx context.Context) *Component {
	component := newComponent(c.Name())
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	component.Details["address"] = addr

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		component.Status = StatusUnhealthy
		component.Message = err.Error()
		return component
	}
	conn.Close()

	component.Status = StatusHealthy
	component.Message = "port listening"
	return component
}

// HTTPChecker queries the application status endpoint under the context path.
type HTTPChecker struct {
	url        string
	httpClient *http.Client
}

// NewHTTPChecker creates a checker for http://host:port<contextPath>/status.
func NewHTTPChecker(host string, port int, contextPath string, client *http.Client) *HTTPChecker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	base := fmt.Sprintf("http://%s%s", net.JoinHostPort(host, strconv.Itoa(port)), strings.TrimSuffix(contextPath, "/"))
	return &HTTPChecker{url: base + "/status", httpClient: client}
}

// Name returns the checker name
func (c *HTTPChecker) Name() string {
	return "http"
}

// Check performs the health check
func (c *HTTPChecker) Check(ctx context.Context) *Component {
	component := newComponent(c.Name())
	component.Details["url"] = c.url

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		component.Status = StatusUnknown
		component.Message = err.Error()
		return component
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		component.Status = StatusUnhealthy
		component.Message = err.Error()
		return component
	}
	defer resp.Body.Close()
	component.Details["status_code"] = resp.StatusCode

	var body struct {
		State string `json:"state"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.State != "" {
		component.Details["state"] = body.State
	}

	switch {
	case resp.StatusCode != http.StatusOK:
		component.Status = StatusUnhealthy
		component.Message = fmt.Sprintf("status endpoint returned %d", resp.StatusCode)
	case body.State == "" || body.State == "RUNNING":
		component.Status = StatusHealthy
		component.Message = "application responding"
	default:
		component.Status = StatusDegraded
		component.Message = "application state " + body.State
	}
	return component
}

// DiskChecker checks free space on the filesystem holding a directory.
type DiskChecker struct {
	path         string
	minDiskSpace uint64
	statfs       func(path string) (free, total uint64, err error)
}

// NewDiskChecker creates a disk checker
func NewDiskChecker(path string, minDiskSpace uint64) *DiskChecker {
	return &DiskChecker{path: path, minDiskSpace: minDiskSpace, statfs: getDiskSpace}
}

// Name returns the checker name
func (c *DiskChecker) Name() string {
	return "disk"
}

// Check performs the health check
func (c *DiskChecker) Check(ctx context.Context) *Component {
	component := newComponent(c.Name())
	component.Details["path"] = c.path

	diskFree, diskTotal, err := c.statfs(c.path)
	if err != nil {
		component.Status = StatusUnknown
		component.Message = err.Error()
		return component
	}
	component.Details["disk_free_gb"] = diskFree / 1024 / 1024 / 1024
	component.Details["disk_total_gb"] = diskTotal / 1024 / 1024 / 1024
	if diskTotal > 0 {
		component.Details["disk_free_pct"] = float64(diskFree) / float64(diskTotal) * 100
	}

	if diskFree < c.minDiskSpace {
		component.Status = StatusDegraded
		component.Message = fmt.Sprintf("low disk space: %s free, %s required",
			humanize.IBytes(diskFree), humanize.IBytes(c.minDiskSpace))
		return component
	}
	component.Status = StatusHealthy
	component.Message = humanize.IBytes(diskFree) + " free"
	return component
}

// getDiskSpace returns free and total disk space for a path
func getDiskSpace(path string) (free, total uint64, err error) {
	var stat unix.Statfs_t
	if err = unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	free = stat.Bavail * uint64(stat.Bsize)
	total = stat.Blocks * uint64(stat.Bsize)
	return
}

func newComponent(name string) *Component {
	return &Component{
		Name:        name,
		LastChecked: time.Now(),
		Details:     make(map[string]any),
	}
}
