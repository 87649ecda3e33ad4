package checksum

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmagar/transdock/internal/remote"
)

// GenerateOver builds a manifest for root on whatever host exec points at.
// The local path streams files directly; the remote path runs sha256sum
// over the wire and parses its output into the same manifest shape.
func GenerateOver(ctx context.Context, exec remote.Executor, root string) (*Manifest, error) {
	if exec.Host() == "" {
		return Generate(ctx, root)
	}

	script := fmt.Sprintf("cd %s && find . -type f -print0 | sort -z | xargs -0 -r sha256sum",
		remote.Quote(root))
	res, err := exec.Script(ctx, 2*time.Hour, script)
	if err != nil {
		return nil, fmt.Errorf("remote checksum %s: %w", root, err)
	}

	m := &Manifest{
		Root:        root,
		GeneratedAt: time.Now().UTC(),
		Files:       map[string]string{},
	}
	for _, line := range strings.Split(strings.TrimRight(string(res.Stdout), "\n"), "\n") {
		if line == "" {
			continue
		}
		// sha256sum output: "<hash>  <path>", path prefixed "./".
		hash, path, ok := strings.Cut(line, "  ")
		if !ok || len(hash) != 64 {
			return nil, fmt.Errorf("unparseable sha256sum line %q", line)
		}
		m.Files[strings.TrimPrefix(path, "./")] = hash
	}
	m.Aggregate = aggregate(m.Files)
	return m, nil
}
