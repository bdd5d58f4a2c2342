// Package definition reads workflow definitions from YAML files, checks them
// for structural errors, and holds the loaded set for import.
package definition

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/autoflow/model"
)

var definitionExts = map[string]bool{".yaml": true, ".yml": true}

// Loader turns definition files into model.WorkflowDefinition values.
type Loader struct{}

// NewLoader returns a Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll loads every *.yaml and *.yml file under the given directories,
// recursing into subdirectories. Within a directory files are returned in
// path order; directories keep the order given.
func (l *Loader) LoadAll(directories []string) ([]model.WorkflowDefinition, error) {
	var defs []model.WorkflowDefinition
	for _, dir := range directories {
		paths, err := definitionFiles(dir)
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
		for _, path := range paths {
			def, err := l.LoadFile(path)
			if err != nil {
				return nil, err
			}
			defs = append(defs, def)
		}
	}
	return defs, nil
}

func definitionFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && definitionExts[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	slices.Sort(paths)
	return paths, err
}

// LoadFile parses one definition file. Unknown keys are an error. The
// returned definition carries the file path and the hex SHA-256 of its
// contents.
func (l *Loader) LoadFile(path string) (model.WorkflowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var def model.WorkflowDefinition
	if err := dec.Decode(&def); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	sum := sha256.Sum256(raw)
	def.Checksum = hex.EncodeToString(sum[:])
	def.SourceFile = path
	return def, nil
}
