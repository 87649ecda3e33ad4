package migration

import (
	"path/filepath"
	"strings"
)

// PathRewrite maps one source path prefix to its destination path.
type PathRewrite struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// MapPath maps a source data path to its home under the destination base.
// Appdata and compose trees keep their relative layout; anything else
// lands under data/ by basename.
func MapPath(src, destBase string) string {
	src = filepath.Clean(src)
	for _, marker := range []string{"/appdata/", "/compose/"} {
		if i := strings.Index(src, marker); i >= 0 {
			return filepath.Join(destBase, src[i+1:])
		}
	}
	return filepath.Join(destBase, "data", filepath.Base(src))
}

// rewritesFor builds the prefix rewrite set for a unit's transferable
// paths.
func rewritesFor(paths []string, destBase string) []PathRewrite {
	out := make([]PathRewrite, 0, len(paths))
	for _, p := range paths {
		out = append(out, PathRewrite{From: filepath.Clean(p), To: MapPath(p, destBase)})
	}
	return out
}

// RewriteCompose applies path rewrites to a compose document's text.
// Longer prefixes apply first so nested mounts do not get clobbered by a
// parent's rewrite.
func RewriteCompose(content []byte, rewrites []PathRewrite) []byte {
	ordered := append([]PathRewrite(nil), rewrites...)
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if len(ordered[j].From) > len(ordered[i].From) {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	s := string(content)
	for _, r := range ordered {
		s = strings.ReplaceAll(s, r.From, r.To)
	}
	return []byte(s)
}
