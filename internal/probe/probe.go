// Package probe answers one question per call: what can this host do right
// now. Results are never cached; every job that cares probes again.
package probe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmagar/transdock/internal/remote"
)

// PathInfo is the free-space answer for one candidate data path.
type PathInfo struct {
	Path       string `json:"path"`
	Writable   bool   `json:"writable"`
	FreeBytes  uint64 `json:"free_bytes"`
	TotalBytes uint64 `json:"total_bytes"`
}

// HostCapabilities is the read-only capability snapshot of one host. A
// sub-probe that fails leaves its flag false rather than erroring, so a
// host without ZFS is still usable for file-sync transfers.
type HostCapabilities struct {
	Host          string     `json:"host"` // empty for the local host
	ProbedAt      time.Time  `json:"probed_at"`
	LatencyMillis int64      `json:"latency_ms"`
	DockerOK      bool       `json:"docker_ok"`
	DockerVersion string     `json:"docker_version,omitempty"`
	ZFSOK         bool       `json:"zfs_ok"`
	ZFSVersion    string     `json:"zfs_version,omitempty"`
	Pools         []string   `json:"pools,omitempty"`
	Paths         []PathInfo `json:"paths,omitempty"`
	Degraded      []string   `json:"degraded,omitempty"` // names of failed sub-probes
}

const probeTimeout = 20 * time.Second

// Prober checks host capabilities through an Executor, so local and SSH
// probes share one code path.
type Prober struct {
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Prober {
	return &Prober{logger: logger.With().Str("component", "prober").Logger()}
}

// Probe collects the capability snapshot. It returns an error only for
// transport failures (remote.ErrUnreachable, remote.ErrPermission); failed
// sub-probes degrade the result instead.
func (p *Prober) Probe(ctx context.Context, exec remote.Executor) (*HostCapabilities, error) {
	caps := &HostCapabilities{
		Host:     exec.Host(),
		ProbedAt: time.Now().UTC(),
	}

	// The first command doubles as reachability check and latency sample.
	start := time.Now()
	if _, err := exec.Run(ctx, probeTimeout, "true"); err != nil {
		return nil, fmt.Errorf("probe %s: %w", hostLabel(exec), err)
	}
	caps.LatencyMillis = time.Since(start).Milliseconds()

	p.probeDocker(ctx, exec, caps)
	p.probeZFS(ctx, exec, caps)
	return caps, nil
}

// ProbePaths extends a capability snapshot with free-space answers for the
// given candidate paths.
func (p *Prober) ProbePaths(ctx context.Context, exec remote.Executor, caps *HostCapabilities, paths []string) {
	for _, path := range paths {
		info, err := p.pathInfo(ctx, exec, path)
		if err != nil {
			p.degrade(caps, "path:"+path, err)
			caps.Paths = append(caps.Paths, PathInfo{Path: path})
			continue
		}
		caps.Paths = append(caps.Paths, info)
	}
}

func (p *Prober) probeDocker(ctx context.Context, exec remote.Executor, caps *HostCapabilities) {
	res, err := exec.Run(ctx, probeTimeout, "docker", "version", "--format", "{{.Server.Version}}")
	if err != nil {
		p.degrade(caps, "docker", err)
		return
	}
	caps.DockerOK = true
	caps.DockerVersion = strings.TrimSpace(string(res.Stdout))
}

func (p *Prober) probeZFS(ctx context.Context, exec remote.Executor, caps *HostCapabilities) {
	res, err := exec.Run(ctx, probeTimeout, "zfs", "version")
	if err != nil {
		p.degrade(caps, "zfs", err)
		return
	}
	caps.ZFSOK = true
	caps.ZFSVersion = firstLine(string(res.Stdout))

	pools, err := exec.Run(ctx, probeTimeout, "zpool", "list", "-H", "-o", "name")
	if err != nil {
		p.degrade(caps, "zpool", err)
		return
	}
	for _, name := range strings.Fields(string(pools.Stdout)) {
		caps.Pools = append(caps.Pools, name)
	}
}

func (p *Prober) pathInfo(ctx context.Context, exec remote.Executor, path string) (PathInfo, error) {
	if exec.Host() == "" {
		return localPathInfo(path)
	}
	// df -B1 prints a header line then "<total> <avail>" in bytes.
	res, err := exec.Run(ctx, probeTimeout, "df", "-B1", "--output=size,avail", path)
	if err != nil {
		return PathInfo{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(res.Stdout)), "\n")
	if len(lines) < 2 {
		return PathInfo{}, fmt.Errorf("unexpected df output for %s", path)
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 2 {
		return PathInfo{}, fmt.Errorf("unexpected df output for %s", path)
	}
	total, _ := strconv.ParseUint(fields[0], 10, 64)
	free, _ := strconv.ParseUint(fields[1], 10, 64)

	writable := false
	if _, err := exec.Run(ctx, probeTimeout, "test", "-w", path); err == nil {
		writable = true
	}
	return PathInfo{Path: path, Writable: writable, FreeBytes: free, TotalBytes: total}, nil
}

func (p *Prober) degrade(caps *HostCapabilities, name string, err error) {
	caps.Degraded = append(caps.Degraded, name)
	p.logger.Debug().Err(err).Str("host", hostName(caps.Host)).Str("sub_probe", name).Msg("Sub-probe failed")
}

func hostLabel(exec remote.Executor) string {
	return hostName(exec.Host())
}

func hostName(host string) string {
	if host == "" {
		return "local"
	}
	return host
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
