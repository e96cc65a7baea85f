// Package precache loads and checks the list of assets a worker version
// precaches during install. The manifest is the versioned artifact: a new
// deploy ships a new manifest, and its contents decide what the application
// can serve offline.
package precache

import (
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the ordered list of root-relative asset paths to precache.
type Manifest struct {
	Assets []string `yaml:"assets"`
}

// Load reads a manifest file. Paths are normalized to a leading slash so
// the manifest can be written either way.
func Load(filename string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(filename)
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return m, err
	}
	for i, a := range m.Assets {
		if !strings.HasPrefix(a, "/") {
			m.Assets[i] = "/" + a
		}
	}
	return m, nil
}

// Has reports whether the manifest lists the given root-relative path.
func (m Manifest) Has(p string) bool {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for _, a := range m.Assets {
		if a == p {
			return true
		}
	}
	return false
}

// Icons returns the icon assets in the manifest, recognized by path segment.
func (m Manifest) Icons() []string {
	var icons []string
	for _, a := range m.Assets {
		if strings.Contains(a, "/icons/") || strings.HasPrefix(path.Base(a), "icon-") {
			icons = append(icons, a)
		}
	}
	return icons
}

// Validate checks the manifest covers the application shell, the offline
// fallback document and the notification icon set. An invalid manifest is
// rejected before any install work starts.
func (m Manifest) Validate(shell, offline string) error {
	if len(m.Assets) == 0 {
		return fmt.Errorf("manifest lists no assets")
	}
	if !m.Has(shell) {
		return fmt.Errorf("manifest is missing the shell document %s", shell)
	}
	if !m.Has(offline) {
		return fmt.Errorf("manifest is missing the offline document %s", offline)
	}
	if len(m.Icons()) < 2 {
		return fmt.Errorf("manifest must list at least two icon assets, found %d", len(m.Icons()))
	}
	return nil
}
