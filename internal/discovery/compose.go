package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// composeFileNames are the filenames recognized as a compose definition, in
// lookup order.
var composeFileNames = []string{
	"docker-compose.yml",
	"docker-compose.yaml",
	"compose.yml",
	"compose.yaml",
}

// composeSchema is the minimal shape we require before trusting a document:
// a services map of objects. Everything else is advisory.
const composeSchema = `{
	"type": "object",
	"required": ["services"],
	"properties": {
		"services": {
			"type": "object",
			"minProperties": 1,
			"additionalProperties": {"type": "object"}
		}
	}
}`

type composeDoc struct {
	Name     string                    `yaml:"name"`
	Services map[string]composeService `yaml:"services"`
	Volumes  map[string]yaml.Node      `yaml:"volumes"`
}

type composeService struct {
	Image       string         `yaml:"image"`
	Volumes     []composeMount `yaml:"volumes"`
	Environment composeEnv     `yaml:"environment"`
	Networks    composeNames   `yaml:"networks"`
	DependsOn   composeNames   `yaml:"depends_on"`
}

// composeMount accepts both the short "src:dst[:ro]" string form and the
// long mapping form.
type composeMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

func (m *composeMount) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var raw string
		if err := node.Decode(&raw); err != nil {
			return err
		}
		parts := strings.Split(raw, ":")
		switch len(parts) {
		case 2:
			m.Source, m.Target = parts[0], parts[1]
		case 3:
			m.Source, m.Target = parts[0], parts[1]
			m.ReadOnly = strings.Contains(parts[2], "ro")
		default:
			return fmt.Errorf("unparseable volume %q", raw)
		}
		return nil
	}
	var long struct {
		Type     string `yaml:"type"`
		Source   string `yaml:"source"`
		Target   string `yaml:"target"`
		ReadOnly bool   `yaml:"read_only"`
	}
	if err := node.Decode(&long); err != nil {
		return err
	}
	m.Source, m.Target, m.ReadOnly = long.Source, long.Target, long.ReadOnly
	return nil
}

// composeEnv accepts both the mapping form and the "KEY=value" list form.
type composeEnv map[string]string

func (e *composeEnv) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		m := map[string]string{}
		if err := node.Decode(&m); err != nil {
			return err
		}
		*e = m
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}
	m := make(map[string]string, len(list))
	for _, kv := range list {
		k, v, _ := strings.Cut(kv, "=")
		m[k] = v
	}
	*e = m
	return nil
}

// composeNames accepts both the list form and the extended mapping form,
// keeping only the names.
type composeNames []string

func (n *composeNames) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		m := map[string]yaml.Node{}
		if err := node.Decode(&m); err != nil {
			return err
		}
		names := make([]string, 0, len(m))
		for name := range m {
			names = append(names, name)
		}
		sort.Strings(names)
		*n = names
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}
	*n = list
	return nil
}

// findComposeFile returns the compose definition inside dir, if any.
func findComposeFile(dir string) (string, bool) {
	for _, name := range composeFileNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

// loadComposeFile parses and shape-validates a compose definition.
func loadComposeFile(path string) (*composeDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Validate the generic shape first so a stray YAML file produces one
	// clear error instead of a half-decoded document.
	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(composeSchema),
		gojsonschema.NewGoLoader(generic),
	)
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("invalid compose file %s: %s", path, result.Errors()[0])
	}

	var doc composeDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &doc, nil
}

// unitFromCompose flattens a compose document into a migration unit.
// Relative bind sources resolve against the compose file's directory and
// volumes deduplicate by source path.
func unitFromCompose(name, composePath string, doc *composeDoc) *MigrationUnit {
	unit := &MigrationUnit{
		Kind:        KindComposeProject,
		Name:        name,
		ComposePath: composePath,
	}
	dir := filepath.Dir(composePath)

	svcNames := make([]string, 0, len(doc.Services))
	for svc := range doc.Services {
		svcNames = append(svcNames, svc)
	}
	sort.Strings(svcNames)

	seen := map[string]bool{}
	for _, svcName := range svcNames {
		svc := doc.Services[svcName]
		unit.Workloads = append(unit.Workloads, Workload{
			Name:        svcName,
			Image:       svc.Image,
			Networks:    svc.Networks,
			Environment: svc.Environment,
			DependsOn:   svc.DependsOn,
		})
		for _, m := range svc.Volumes {
			mount := VolumeMount{Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly}
			if isNamedVolume(m.Source) {
				mount.Named = true
			} else if !filepath.IsAbs(mount.Source) {
				mount.Source = filepath.Join(dir, mount.Source)
			}
			if seen[mount.Source] {
				continue
			}
			seen[mount.Source] = true
			unit.Volumes = append(unit.Volumes, mount)
		}
	}
	return unit
}

// isNamedVolume distinguishes docker named volumes from path bindings: a
// path source starts with /, ./ or ../.
func isNamedVolume(source string) bool {
	return !strings.HasPrefix(source, "/") &&
		!strings.HasPrefix(source, "./") &&
		!strings.HasPrefix(source, "../") &&
		source != "." && source != ".."
}
