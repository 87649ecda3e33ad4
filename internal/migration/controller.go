package migration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jmagar/transdock/internal/discovery"
	"github.com/jmagar/transdock/internal/remote"
)

// WorkloadController stops a unit before snapshotting and starts it again
// after verified cutover. It contains no migration logic.
type WorkloadController interface {
	// Stop quiesces the unit on the host exec points at.
	Stop(ctx context.Context, exec remote.Executor, unit *discovery.MigrationUnit) error
	// Start brings the unit up on the host exec points at, with volume
	// paths rewritten per the migration.
	Start(ctx context.Context, exec remote.Executor, unit *discovery.MigrationUnit, rewrites []PathRewrite) error
}

const composeOpTimeout = 5 * time.Minute

// DockerController drives workloads through the docker CLI. Compose
// projects go through `docker compose`; container sets are recreated with
// `docker run` from their inspected definition.
type DockerController struct {
	logger zerolog.Logger
}

func NewDockerController(logger zerolog.Logger) *DockerController {
	return &DockerController{logger: logger.With().Str("component", "workload").Logger()}
}

func (c *DockerController) Stop(ctx context.Context, exec remote.Executor, unit *discovery.MigrationUnit) error {
	if unit.Kind == discovery.KindComposeProject {
		res, err := exec.Run(ctx, composeOpTimeout, "docker", "compose", "-f", unit.ComposePath, "down")
		if err != nil {
			return fmt.Errorf("compose down %s: %v: %s", unit.Name, err, res.Stderr)
		}
		return nil
	}
	for _, w := range unit.Workloads {
		if res, err := exec.Run(ctx, composeOpTimeout, "docker", "stop", w.Name); err != nil {
			return fmt.Errorf("stop %s: %v: %s", w.Name, err, res.Stderr)
		}
	}
	return nil
}

func (c *DockerController) Start(ctx context.Context, exec remote.Executor, unit *discovery.MigrationUnit, rewrites []PathRewrite) error {
	if unit.Kind == discovery.KindComposeProject {
		return c.startCompose(ctx, exec, unit, rewrites)
	}
	return c.startContainers(ctx, exec, unit, rewrites)
}

// startCompose rewrites the compose file's volume paths and brings the
// project up. With no rewrites (a plain restart on the source host) the
// original file is used in place.
func (c *DockerController) startCompose(ctx context.Context, exec remote.Executor, unit *discovery.MigrationUnit, rewrites []PathRewrite) error {
	composePath := unit.ComposePath
	if len(rewrites) > 0 {
		raw, err := os.ReadFile(unit.ComposePath)
		if err != nil {
			return fmt.Errorf("read compose file: %w", err)
		}
		rewritten := RewriteCompose(raw, rewrites)

		composePath = filepath.Join(composeDestDir(rewrites), filepath.Base(unit.ComposePath))
		if err := c.writeFile(ctx, exec, composePath, rewritten); err != nil {
			return fmt.Errorf("install compose file: %w", err)
		}
		c.logger.Info().Str("project", unit.Name).Str("path", composePath).Msg("Installed rewritten compose file")
	}

	res, err := exec.Run(ctx, composeOpTimeout, "docker", "compose", "-f", composePath, "up", "-d")
	if err != nil {
		return fmt.Errorf("compose up %s: %v: %s", unit.Name, err, res.Stderr)
	}
	return nil
}

// startContainers recreates each container from its inspected definition,
// with mounts rewritten.
func (c *DockerController) startContainers(ctx context.Context, exec remote.Executor, unit *discovery.MigrationUnit, rewrites []PathRewrite) error {
	for _, w := range unit.Workloads {
		if len(rewrites) == 0 {
			// Plain restart on the host that already has the container.
			if res, err := exec.Run(ctx, composeOpTimeout, "docker", "start", w.Name); err != nil {
				return fmt.Errorf("start %s: %v: %s", w.Name, err, res.Stderr)
			}
			continue
		}

		args := []string{"run", "-d", "--name", w.Name}
		envKeys := make([]string, 0, len(w.Environment))
		for k := range w.Environment {
			envKeys = append(envKeys, k)
		}
		sort.Strings(envKeys)
		for _, k := range envKeys {
			args = append(args, "-e", k+"="+w.Environment[k])
		}
		for _, v := range unit.Volumes {
			if v.Named {
				continue
			}
			spec := applyRewrites(v.Source, rewrites) + ":" + v.Target
			if v.ReadOnly {
				spec += ":ro"
			}
			args = append(args, "-v", spec)
		}
		args = append(args, w.Image)

		if res, err := exec.Run(ctx, composeOpTimeout, "docker", args...); err != nil {
			return fmt.Errorf("recreate %s: %v: %s", w.Name, err, res.Stderr)
		}
	}
	return nil
}

func (c *DockerController) writeFile(ctx context.Context, exec remote.Executor, path string, content []byte) error {
	if exec.Host() == "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, content, 0o644)
	}
	if _, err := exec.Run(ctx, time.Minute, "mkdir", "-p", filepath.Dir(path)); err != nil {
		return err
	}
	script := fmt.Sprintf("cat > %s << 'TRANSDOCK_EOF'\n%s\nTRANSDOCK_EOF", remote.Quote(path), content)
	_, err := exec.Script(ctx, time.Minute, script)
	return err
}

func applyRewrites(path string, rewrites []PathRewrite) string {
	for _, r := range rewrites {
		if path == r.From || strings.HasPrefix(path, r.From+"/") {
			return r.To + strings.TrimPrefix(path, r.From)
		}
	}
	return path
}

// composeDestDir picks the directory the rewritten compose file lands in:
// the destination of the unit's compose-tree rewrite if one exists,
// otherwise the parent of the first rewrite target.
func composeDestDir(rewrites []PathRewrite) string {
	for _, r := range rewrites {
		if strings.Contains(r.To, "/compose/") {
			return r.To
		}
	}
	return filepath.Dir(rewrites[0].To)
}
