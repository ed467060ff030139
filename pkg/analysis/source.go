package analysis

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/syrin/pkg/kernel/registry"
)

// toolsFile is the on-disk registry shape, the same as a tools/list result.
// JSON files decode too.
type toolsFile struct {
	Tools []registry.RawTool `yaml:"tools"`
}

// FileSource reads a registry snapshot from disk.
type FileSource struct {
	Path string
}

// ListTools implements ToolSource.
func (s FileSource) ListTools(context.Context) ([]registry.RawTool, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	defer f.Close()
	return LoadTools(f)
}

// LoadTools decodes a registry snapshot. Keys servers add beyond the tool
// shape (annotations, title) are ignored.
func LoadTools(r io.Reader) ([]registry.RawTool, error) {
	var tf toolsFile
	if err := yaml.NewDecoder(r).Decode(&tf); err != nil {
		return nil, fmt.Errorf("structural decode: %w", err)
	}
	return tf.Tools, nil
}

// StaticSource serves a fixed list; used by tests and in-process callers.
type StaticSource []registry.RawTool

// ListTools implements ToolSource.
func (s StaticSource) ListTools(context.Context) ([]registry.RawTool, error) {
	return s, nil
}
