// Package checksum computes per-file content hashes and an aggregate tree
// hash over a data root. Manifests taken before transfer on the source and
// after transfer on the destination are compared to decide verified vs
// corrupted.
package checksum

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Unreadable marks a file that disappeared or failed mid-scan. It is a legal
// manifest entry, not an engine failure; comparison reports it as a mismatch.
const Unreadable = "unreadable"

// Manifest maps relative file paths to hex SHA-256 content hashes, plus one
// aggregate hash over the sorted mapping. Immutable once generated.
type Manifest struct {
	Root        string            `json:"root"`
	GeneratedAt time.Time         `json:"generated_at"`
	Files       map[string]string `json:"files"`
	Aggregate   string            `json:"aggregate"`
}

// Diff is the result of comparing two manifests entry by entry.
type Diff struct {
	Matched    []string `json:"matched"`
	Mismatched []string `json:"mismatched"`
	Missing    []string `json:"missing"`
	Extra      []string `json:"extra"`
}

func (d Diff) Clean() bool {
	return len(d.Mismatched) == 0 && len(d.Missing) == 0 && len(d.Extra) == 0
}

// Generate walks root and hashes every regular file, streaming rather than
// buffering. Files that vanish between walk and open (symlink races,
// concurrent writers) are recorded as Unreadable instead of aborting.
func Generate(ctx context.Context, root string) (*Manifest, error) {
	m := &Manifest{Root: root, GeneratedAt: time.Now().UTC(), Files: map[string]string{}}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entry vanished mid-walk.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum, err := hashFile(path)
		if err != nil {
			m.Files[rel] = Unreadable
			return nil
		}
		m.Files[rel] = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	m.Aggregate = aggregate(m.Files)
	return m, nil
}

// Compare diffs a source manifest against a destination manifest. Unreadable
// entries on either side count as mismatched.
func Compare(src, dst *Manifest) Diff {
	var d Diff
	for path, srcHash := range src.Files {
		dstHash, ok := dst.Files[path]
		switch {
		case !ok:
			d.Missing = append(d.Missing, path)
		case srcHash == Unreadable || dstHash == Unreadable || srcHash != dstHash:
			d.Mismatched = append(d.Mismatched, path)
		default:
			d.Matched = append(d.Matched, path)
		}
	}
	for path := range dst.Files {
		if _, ok := src.Files[path]; !ok {
			d.Extra = append(d.Extra, path)
		}
	}
	sort.Strings(d.Matched)
	sort.Strings(d.Mismatched)
	sort.Strings(d.Missing)
	sort.Strings(d.Extra)
	return d
}

// aggregate hashes the sorted (path, hash) pairs so the result is independent
// of traversal order.
func aggregate(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write([]byte(files[p]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
