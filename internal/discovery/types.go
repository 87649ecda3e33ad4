// Package discovery resolves an operator-supplied identifier to a concrete
// migration unit: either a compose project or a set of matching containers,
// with the deduplicated volume mounts and the metadata needed to recreate
// the workload after transfer.
package discovery

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound means neither a compose project nor a container set matched.
// Callers never receive an empty unit.
var ErrNotFound = errors.New("migration unit not found")

// AmbiguousError reports that an identifier matched more than one disjoint
// unit. The caller must disambiguate; resolution never guesses.
type AmbiguousError struct {
	Identifier string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("identifier %q matches multiple units: %s", e.Identifier, strings.Join(e.Candidates, ", "))
}

type UnitKind string

const (
	KindComposeProject UnitKind = "compose-project"
	KindContainerSet   UnitKind = "container-set"
)

// VolumeMount is one host-path-to-container binding. Named (non-path)
// volumes are reported for visibility but carry no transferable path.
type VolumeMount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
	Named    bool   `json:"named,omitempty"`
}

// Workload is one container or compose service within a unit.
type Workload struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Networks    []string          `json:"networks,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
}

// MigrationUnit is the resolved migration subject.
type MigrationUnit struct {
	Kind        UnitKind      `json:"kind"`
	Name        string        `json:"name"`
	ComposePath string        `json:"compose_path,omitempty"` // compose-project only
	Workloads   []Workload    `json:"workloads"`
	Volumes     []VolumeMount `json:"volumes"`
}

// DataPaths returns the transferable (path-backed) volume sources, already
// deduplicated at resolution time.
func (u *MigrationUnit) DataPaths() []string {
	var out []string
	for _, v := range u.Volumes {
		if !v.Named {
			out = append(out, v.Source)
		}
	}
	return out
}
