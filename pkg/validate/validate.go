// Package validate checks untrusted request fields before they reach a
// shell argv or the filesystem.
package validate

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Hostnames, IPv4 and bracketless IPv6. The leading character class
	// rejects strings that would parse as ssh options.
	reHostRef = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,253}$`)

	ErrBadHostRef = errors.New("invalid host reference")
	ErrBadPath    = errors.New("path must be under an allowed root")
)

// HostRef validates a host reference. Empty means the local host and is
// always accepted.
func HostRef(s string) error {
	if s == "" {
		return nil
	}
	if !reHostRef.MatchString(s) {
		return ErrBadHostRef
	}
	return nil
}

// PathUnder reports whether p sits under one of the allowed roots.
func PathUnder(roots []string, p string) error {
	if p == "" {
		return ErrBadPath
	}
	ap := filepath.Clean(p)
	for _, r := range roots {
		rr := filepath.Clean(r)
		if ap == rr || strings.HasPrefix(ap, rr+string(filepath.Separator)) {
			return nil
		}
	}
	return ErrBadPath
}
