package wcsnap

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/aweris/wcsnap/internal/manifest"
)

// SaveManifest writes the canonical encoding of m into dir as <hex>.json,
// so a manifest whose publish failed can be published later with Publish.
func SaveManifest(dir string, m *Manifest) (string, Digest, error) {
	data, err := manifest.Encode(m)
	if err != nil {
		return "", "", err
	}
	id := manifest.ID(data)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("wcsnap: save manifest: %w", err)
	}
	path := filepath.Join(dir, id.Hex()+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", "", fmt.Errorf("wcsnap: save manifest: %w", err)
	}
	return path, id, nil
}

// LoadManifest reads and validates a manifest written by SaveManifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wcsnap: load manifest: %w", err)
	}
	m, err := manifest.Decode(data, "")
	if err != nil {
		return nil, fmt.Errorf("wcsnap: load manifest %s: %w", path, err)
	}
	return m, nil
}
