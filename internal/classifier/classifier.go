// Package classifier decides which files are DevOps configuration worth
// analyzing. Classification is a pure function of path and content and is
// re-derived on every evaluation.
package classifier

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	bperrors "github.com/rcourtman/badpractice-agent/internal/errors"
	"github.com/rcourtman/badpractice-agent/internal/models"
)

const (
	// ArgoMarker identifies Argo CD manifests inside YAML.
	ArgoMarker = "argoproj.io"

	binarySniffBytes = 8000
)

var exactNames = map[string]models.Category{
	"jenkinsfile":         models.CategoryJenkins,
	"dockerfile":          models.CategoryDocker,
	"docker-compose.yml":  models.CategoryDocker,
	"docker-compose.yaml": models.CategoryDocker,
	"compose.yml":         models.CategoryDocker,
	"compose.yaml":        models.CategoryDocker,
}

var extensions = map[string]models.Category{
	".dockerfile": models.CategoryDocker,
	".tf":         models.CategoryTerraform,
	".tfvars":     models.CategoryTerraform,
	".hcl":        models.CategoryTerraform,
	".json":       models.CategoryJSONConfig,
}

// kubernetesNames stay kubernetes-yaml unless they carry the Argo marker.
var kubernetesNames = map[string]bool{
	"chart.yaml":         true,
	"values.yaml":        true,
	"kustomization.yaml": true,
}

// Keys that only show up nested in a mongod config; any one is enough.
var mongoNestedKeys = []string{"dbPath:", "bindIp:", "replSetName:", "wiredTiger:"}

// Top-level mongod sections; two at column 0 are required.
var mongoSections = []string{
	"storage:", "systemLog:", "net:", "processManagement:", "replication:",
	"sharding:", "security:", "operationProfiling:", "setParameter:",
}

// Classify maps a path and its content to a category.
func Classify(path string, content []byte) models.Category {
	name := strings.ToLower(filepath.Base(path))
	if c, ok := exactNames[name]; ok {
		return c
	}
	ext := filepath.Ext(name)
	if c, ok := extensions[ext]; ok {
		return c
	}
	if ext == ".yml" || ext == ".yaml" {
		return classifyYAML(name, content)
	}
	return models.CategoryIgnored
}

func classifyYAML(name string, content []byte) models.Category {
	if bytes.Contains(content, []byte(ArgoMarker)) {
		return models.CategoryArgoCD
	}
	if kubernetesNames[name] {
		return models.CategoryKubernetesYAML
	}
	if looksLikeMongoConfig(content) {
		return models.CategoryMongoConfig
	}
	return models.CategoryKubernetesYAML
}

func looksLikeMongoConfig(content []byte) bool {
	for _, key := range mongoNestedKeys {
		if bytes.Contains(content, []byte(key)) {
			return true
		}
	}
	sections := 0
	for _, line := range bytes.Split(content, []byte("\n")) {
		for _, s := range mongoSections {
			if bytes.HasPrefix(line, []byte(s)) {
				sections++
				break
			}
		}
		if sections >= 2 {
			return true
		}
	}
	return false
}

// Candidate reports whether a path could ever classify as in scope, judging by
// name alone. Walkers use it to avoid reading unrelated files.
func Candidate(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	if _, ok := exactNames[name]; ok {
		return true
	}
	ext := filepath.Ext(name)
	if _, ok := extensions[ext]; ok {
		return true
	}
	return ext == ".yml" || ext == ".yaml"
}

// ReadFile loads a file for classification. Unreadable, oversize and binary
// files return a classification_skip error.
func ReadFile(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, bperrors.WrapClassificationSkip(path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, bperrors.WrapClassificationSkip(path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, bperrors.WrapClassificationSkip(path, fmt.Errorf("not a regular file"))
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return nil, bperrors.WrapClassificationSkip(path, fmt.Errorf("size %d exceeds limit %d", info.Size(), maxBytes))
	}

	r := io.Reader(f)
	if maxBytes > 0 {
		r = io.LimitReader(f, maxBytes+1)
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, bperrors.WrapClassificationSkip(path, err)
	}
	if maxBytes > 0 && int64(len(content)) > maxBytes {
		return nil, bperrors.WrapClassificationSkip(path, fmt.Errorf("size exceeds limit %d", maxBytes))
	}
	if isBinary(content) {
		return nil, bperrors.WrapClassificationSkip(path, fmt.Errorf("binary content"))
	}
	return content, nil
}

// CheckContent applies the binary and size rules to content already in memory.
func CheckContent(path string, content []byte, maxBytes int64) error {
	if maxBytes > 0 && int64(len(content)) > maxBytes {
		return bperrors.WrapClassificationSkip(path, fmt.Errorf("size %d exceeds limit %d", len(content), maxBytes))
	}
	if isBinary(content) {
		return bperrors.WrapClassificationSkip(path, fmt.Errorf("binary content"))
	}
	return nil
}

// ClassifyFile reads and classifies path. Read failures are logged and the
// file is reported as ignored; the error is returned for callers that count skips.
func ClassifyFile(path, relPath string, maxBytes int64) (models.WatchedFile, error) {
	file := models.WatchedFile{Path: relPath, Category: models.CategoryIgnored}
	if !Candidate(path) {
		return file, nil
	}
	content, err := ReadFile(path, maxBytes)
	if err != nil {
		log.Warn().Err(err).Str("path", relPath).Msg("Skipping unreadable file")
		return file, err
	}
	file.Content = content
	file.Category = Classify(path, content)
	return file, nil
}

func isBinary(content []byte) bool {
	sniff := content
	if len(sniff) > binarySniffBytes {
		sniff = sniff[:binarySniffBytes]
	}
	return bytes.IndexByte(sniff, 0) >= 0
}
