package probe

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jmagar/transdock/internal/remote"
)

func TestProbeLocalHost(t *testing.T) {
	p := New(zerolog.Nop())
	caps, err := p.Probe(context.Background(), remote.Local{})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if caps.Host != "" {
		t.Fatalf("host = %q, want empty for local", caps.Host)
	}
	if caps.ProbedAt.IsZero() {
		t.Fatal("ProbedAt not set")
	}
	if caps.LatencyMillis < 0 {
		t.Fatalf("latency = %d", caps.LatencyMillis)
	}
	// Tool presence varies by machine; what must hold is that a tool is
	// either reported available or listed as a degraded sub-probe.
	if !caps.DockerOK && !contains(caps.Degraded, "docker") {
		t.Fatal("docker neither available nor degraded")
	}
	if !caps.ZFSOK && !contains(caps.Degraded, "zfs") {
		t.Fatal("zfs neither available nor degraded")
	}
}

func TestProbePathsLocal(t *testing.T) {
	p := New(zerolog.Nop())
	caps := &HostCapabilities{}
	dir := t.TempDir()

	p.ProbePaths(context.Background(), remote.Local{}, caps, []string{dir})
	if len(caps.Paths) != 1 {
		t.Fatalf("paths = %d, want 1", len(caps.Paths))
	}
	info := caps.Paths[0]
	if !info.Writable {
		t.Fatal("temp dir reported not writable")
	}
	if info.FreeBytes == 0 || info.TotalBytes == 0 {
		t.Fatalf("free=%d total=%d, want non-zero", info.FreeBytes, info.TotalBytes)
	}
}

func TestProbePathsMissingPathDegrades(t *testing.T) {
	p := New(zerolog.Nop())
	caps := &HostCapabilities{}

	p.ProbePaths(context.Background(), remote.Local{}, caps, []string{"/does/not/exist"})
	if len(caps.Paths) != 1 {
		t.Fatalf("paths = %d, want 1", len(caps.Paths))
	}
	if caps.Paths[0].Writable || caps.Paths[0].FreeBytes != 0 {
		t.Fatalf("missing path reported usable: %+v", caps.Paths[0])
	}
	if !contains(caps.Degraded, "path:/does/not/exist") {
		t.Fatalf("degraded = %v", caps.Degraded)
	}
}

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}
