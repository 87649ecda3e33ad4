package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Resolver turns operator identifiers into migration units. Compose
// projects win over container sets; an identifier that matches neither is
// an error, never an empty unit.
type Resolver struct {
	logger       zerolog.Logger
	composeRoots []string
	containers   ContainerLister
}

func NewResolver(logger zerolog.Logger, composeRoots []string, containers ContainerLister) *Resolver {
	return &Resolver{
		logger:       logger.With().Str("component", "discovery").Logger(),
		composeRoots: composeRoots,
		containers:   containers,
	}
}

// Resolve looks up identifier as, in order: a filesystem path holding a
// compose definition, a compose project under the configured roots, then a
// running container set by name or label.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (*MigrationUnit, error) {
	if strings.Contains(identifier, "/") {
		return r.resolvePath(identifier)
	}

	unit, err := r.resolveComposeProject(identifier)
	if err != nil {
		return nil, err
	}
	if unit != nil {
		return unit, nil
	}

	unit, err = r.resolveContainerSet(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if unit != nil {
		return unit, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, identifier)
}

func (r *Resolver) resolvePath(identifier string) (*MigrationUnit, error) {
	path := filepath.Clean(identifier)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, identifier)
	}

	composePath := path
	if info.IsDir() {
		found, ok := findComposeFile(path)
		if !ok {
			return nil, fmt.Errorf("%w: no compose definition in %q", ErrNotFound, identifier)
		}
		composePath = found
	}
	doc, err := loadComposeFile(composePath)
	if err != nil {
		return nil, err
	}
	name := doc.Name
	if name == "" {
		name = filepath.Base(filepath.Dir(composePath))
	}
	r.logger.Debug().Str("identifier", identifier).Str("compose", composePath).Msg("Resolved by path")
	return unitFromCompose(name, composePath, doc), nil
}

func (r *Resolver) resolveComposeProject(identifier string) (*MigrationUnit, error) {
	type match struct {
		name, path string
	}
	var matches []match

	for _, root := range r.composeRoots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(root, e.Name())
			composePath, ok := findComposeFile(dir)
			if !ok {
				continue
			}
			if e.Name() == identifier {
				matches = append(matches, match{e.Name(), composePath})
				continue
			}
			// Directory name mismatch: the project may still declare the
			// identifier as its compose project name.
			doc, err := loadComposeFile(composePath)
			if err != nil {
				r.logger.Warn().Err(err).Str("path", composePath).Msg("Skipping unreadable compose file")
				continue
			}
			if doc.Name == identifier {
				matches = append(matches, match{doc.Name, composePath})
			}
		}
	}

	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		doc, err := loadComposeFile(matches[0].path)
		if err != nil {
			return nil, err
		}
		r.logger.Debug().Str("identifier", identifier).Str("compose", matches[0].path).Msg("Resolved compose project")
		return unitFromCompose(matches[0].name, matches[0].path, doc), nil
	default:
		candidates := make([]string, 0, len(matches))
		for _, m := range matches {
			candidates = append(candidates, m.path)
		}
		sort.Strings(candidates)
		return nil, &AmbiguousError{Identifier: identifier, Candidates: candidates}
	}
}

func (r *Resolver) resolveContainerSet(ctx context.Context, identifier string) (*MigrationUnit, error) {
	containers, err := r.containers.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	selKey, selValue, isSelector := strings.Cut(identifier, "=")
	var matched []ContainerInfo
	for _, c := range containers {
		switch {
		case c.Name == identifier:
			matched = append(matched, c)
		case c.Labels[composeProjectLabel] == identifier:
			matched = append(matched, c)
		case isSelector && c.Labels[selKey] == selValue:
			matched = append(matched, c)
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}

	// Containers from different compose projects are disjoint units; make
	// the caller pick one instead of migrating them as a lump.
	if !isSelector {
		projects := map[string]bool{}
		for _, c := range matched {
			projects[c.Labels[composeProjectLabel]] = true
		}
		if len(projects) > 1 {
			var candidates []string
			for p := range projects {
				if p == "" {
					p = "(unlabelled)"
				}
				candidates = append(candidates, p)
			}
			sort.Strings(candidates)
			return nil, &AmbiguousError{Identifier: identifier, Candidates: candidates}
		}
	}

	unit := &MigrationUnit{Kind: KindContainerSet, Name: identifier}
	seen := map[string]bool{}
	for _, c := range matched {
		unit.Workloads = append(unit.Workloads, Workload{
			Name:        c.Name,
			Image:       c.Image,
			Networks:    c.Networks,
			Environment: c.Env,
		})
		for _, m := range c.Mounts {
			if seen[m.Source] {
				continue
			}
			seen[m.Source] = true
			unit.Volumes = append(unit.Volumes, m)
		}
	}
	r.logger.Debug().Str("identifier", identifier).Int("containers", len(matched)).Msg("Resolved container set")
	return unit, nil
}
