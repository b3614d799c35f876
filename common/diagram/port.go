package diagram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FilePort loads diagrams from a base directory by name. A reference may
// be a relative path with extension or a bare name; bare names try the
// known format suffixes in order.
type FilePort struct {
	base string
}

// NewFilePort creates a port rooted at base.
func NewFilePort(base string) *FilePort {
	if base == "" {
		base = "."
	}
	return &FilePort{base: base}
}

var suffixes = []string{
	"", ".light.yaml", ".light.yml", ".yaml", ".yml",
	".native.json", ".json", ".readable.yaml", ".readable.yml",
}

func (p *FilePort) Load(_ context.Context, ref string) (*DomainDiagram, error) {
	for _, suffix := range suffixes {
		path := filepath.Join(p.base, ref+suffix)
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			continue
		}
		return Load(filepath.Join(p.base, ref+suffix), "")
	}
	return nil, fmt.Errorf("diagram not found: %s", ref)
}
