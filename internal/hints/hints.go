// Package hints gathers stable repository context (environment files,
// compose wiring, Dockerfile locations) that is handed to every analyzer
// prompt so per-file reviews can reason about cross-file references.
package hints

import (
	"bytes"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/rcourtman/badpractice-agent/internal/classifier"
)

const (
	maxEnvFiles     = 50
	maxListed       = 10
	maxBuildsListed = 12
)

var (
	envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::?[-?+][^}]*)?\}`)
	envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

var composeNames = map[string]bool{
	"docker-compose.yml":  true,
	"docker-compose.yaml": true,
	"compose.yml":         true,
	"compose.yaml":        true,
}

// ComposeBuild is a service that builds its image from a local context.
type ComposeBuild struct {
	File    string `json:"file"`
	Service string `json:"service"`
	Context string `json:"context"`
}

// Hints is the repository context shared by all analyzer requests.
type Hints struct {
	EnvFiles        []string       `json:"env_files,omitempty"`
	EnvKeys         []string       `json:"env_keys,omitempty"`
	DockerfilePaths []string       `json:"dockerfile_paths,omitempty"`
	ComposeVolumes  []string       `json:"compose_named_volumes,omitempty"`
	ComposeBuilds   []ComposeBuild `json:"compose_builds,omitempty"`
	ComposeEnvRefs  []string       `json:"compose_env_refs,omitempty"`
}

// Empty reports whether no hints were found.
func (h Hints) Empty() bool {
	return len(h.EnvFiles) == 0 && len(h.EnvKeys) == 0 && len(h.DockerfilePaths) == 0 &&
		len(h.ComposeVolumes) == 0 && len(h.ComposeBuilds) == 0 && len(h.ComposeEnvRefs) == 0
}

// Format renders the hints as the prompt's repository context block.
// Env key names are listed but their values never leave the machine.
func (h Hints) Format() string {
	var lines []string
	if len(h.EnvFiles) > 0 {
		lines = append(lines, "Env files: "+strings.Join(head(h.EnvFiles, maxListed), ", "))
	}
	if len(h.EnvKeys) > 0 {
		lines = append(lines, "Env keys: "+strings.Join(head(h.EnvKeys, 3*maxListed), ", "))
	}
	if len(h.DockerfilePaths) > 0 {
		lines = append(lines, "Dockerfiles: "+strings.Join(head(h.DockerfilePaths, maxListed), ", "))
	}
	if len(h.ComposeVolumes) > 0 {
		lines = append(lines, "Compose volumes: "+strings.Join(h.ComposeVolumes, ", "))
	}
	if len(h.ComposeBuilds) > 0 {
		builds := make([]string, 0, len(h.ComposeBuilds))
		for _, b := range head(h.ComposeBuilds, maxBuildsListed) {
			builds = append(builds, b.Service+"=>"+b.Context)
		}
		lines = append(lines, "Compose build contexts: "+strings.Join(builds, "; "))
	}
	if len(h.ComposeEnvRefs) > 0 {
		lines = append(lines, "Compose env refs: "+strings.Join(head(h.ComposeEnvRefs, maxBuildsListed), ", "))
	}
	return strings.Join(lines, "\n")
}

func head[T any](in []T, n int) []T {
	if len(in) > n {
		return in[:n]
	}
	return in
}

// Collect walks root and gathers hints. Unreadable or malformed files are
// skipped; only a failure to walk root itself is returned.
func Collect(root string, scope *classifier.Scope, maxBytes int64) (Hints, error) {
	c := newCollector()
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && scope.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || scope.IgnoreFile(rel) {
			return nil
		}
		c.visit(p, rel, maxBytes)
		return nil
	})
	if err != nil {
		return Hints{}, fmt.Errorf("collect repository hints: %w", err)
	}
	return c.result(), nil
}

type collector struct {
	envFiles    []string
	envKeys     map[string]struct{}
	dockerfiles []string
	volumes     map[string]struct{}
	builds      []ComposeBuild
	envRefs     map[string]struct{}
}

func newCollector() *collector {
	return &collector{
		envKeys: make(map[string]struct{}),
		volumes: make(map[string]struct{}),
		envRefs: make(map[string]struct{}),
	}
}

func (c *collector) visit(abs, rel string, maxBytes int64) {
	name := strings.ToLower(path.Base(rel))
	switch {
	case strings.HasPrefix(name, ".env"):
		c.envFiles = append(c.envFiles, rel)
		if content, err := classifier.ReadFile(abs, maxBytes); err == nil {
			for _, k := range EnvKeys(content) {
				c.envKeys[k] = struct{}{}
			}
		}
	case name == "dockerfile" || strings.HasSuffix(name, ".dockerfile"):
		c.dockerfiles = append(c.dockerfiles, rel)
	case composeNames[name]:
		content, err := classifier.ReadFile(abs, maxBytes)
		if err != nil {
			return
		}
		compose := ParseCompose(rel, content)
		for _, v := range compose.Volumes {
			c.volumes[v] = struct{}{}
		}
		c.builds = append(c.builds, compose.Builds...)
		for _, r := range compose.EnvRefs {
			c.envRefs[r] = struct{}{}
		}
	}
}

func (c *collector) result() Hints {
	sort.Strings(c.envFiles)
	sort.Strings(c.dockerfiles)
	return Hints{
		EnvFiles:        head(c.envFiles, maxEnvFiles),
		EnvKeys:         sortedKeys(c.envKeys),
		DockerfilePaths: c.dockerfiles,
		ComposeVolumes:  sortedKeys(c.volumes),
		ComposeBuilds:   c.builds,
		ComposeEnvRefs:  sortedKeys(c.envRefs),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// EnvKeys returns the variable names defined in a dotenv file, sorted.
// Files godotenv cannot parse fall back to a line scan.
func EnvKeys(content []byte) []string {
	keys := make(map[string]struct{})
	if vars, err := godotenv.Parse(bytes.NewReader(content)); err == nil {
		for k := range vars {
			if envKeyPattern.MatchString(k) {
				keys[k] = struct{}{}
			}
		}
	} else {
		log.Debug().Err(err).Msg("dotenv parse failed, scanning lines")
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			k, _, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			k = strings.TrimSpace(strings.TrimPrefix(k, "export "))
			if envKeyPattern.MatchString(k) {
				keys[k] = struct{}{}
			}
		}
	}
	return sortedKeys(keys)
}

// Compose is what a single compose file contributes.
type Compose struct {
	Volumes []string
	Builds  []ComposeBuild
	EnvRefs []string
}

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
	Volumes  map[string]yaml.Node      `yaml:"volumes"`
}

type composeService struct {
	Build yaml.Node `yaml:"build"`
}

// ParseCompose extracts named volumes, local build contexts and ${VAR}
// references. Variable references are found even when the YAML is invalid.
func ParseCompose(rel string, content []byte) Compose {
	var out Compose

	refs := make(map[string]struct{})
	for _, m := range envRefPattern.FindAllSubmatch(content, -1) {
		refs[string(m[1])] = struct{}{}
	}
	out.EnvRefs = sortedKeys(refs)

	var doc composeFile
	if err := yaml.Unmarshal(content, &doc); err != nil {
		log.Debug().Err(err).Str("path", rel).Msg("Compose file is not valid YAML")
		return out
	}

	for name := range doc.Volumes {
		out.Volumes = append(out.Volumes, name)
	}
	sort.Strings(out.Volumes)

	services := make([]string, 0, len(doc.Services))
	for name := range doc.Services {
		services = append(services, name)
	}
	sort.Strings(services)
	for _, name := range services {
		if ctx := buildContext(doc.Services[name].Build); ctx != "" {
			out.Builds = append(out.Builds, ComposeBuild{File: rel, Service: name, Context: ctx})
		}
	}
	return out
}

// buildContext accepts both `build: ./dir` and `build: {context: ./dir}`.
func buildContext(n yaml.Node) string {
	switch n.Kind {
	case yaml.ScalarNode:
		return strings.TrimSpace(n.Value)
	case yaml.MappingNode:
		var b struct {
			Context string `yaml:"context"`
		}
		if err := n.Decode(&b); err != nil {
			return ""
		}
		if b.Context == "" {
			return "."
		}
		return strings.TrimSpace(b.Context)
	}
	return ""
}
