// Package manifest describes what a deployed version of the dashboard
// precaches and how its requests are routed.
package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultVersion     = "1"
	DefaultCachePrefix = "swaccha-ap-cache"
	DefaultOfflineURL  = "/offline.html"
)

// DefaultAssets is the dashboard's precache list.
var DefaultAssets = []string{
	"/",
	"/offline.html",
	"/assets/styles.css",
	"/assets/js/main.js",
	"/assets/img/logo.png",
	"/assets/img/logo-white.png",
	"/assets/icons/icon-72x72.png",
	"/assets/icons/icon-96x96.png",
	"/assets/icons/icon-128x128.png",
	"/assets/icons/icon-192x192.png",
	"/assets/icons/icon-512x512.png",
	"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/5.15.4/css/all.min.css",
	"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/5.15.4/webfonts/fa-solid-900.woff2",
}

// DefaultAllowedOrigins are cross-origin hosts whose assets are cached.
var DefaultAllowedOrigins = []string{"https://cdnjs.cloudflare.com"}

// DefaultDynamicPatterns mark URLs that always go to the network first.
var DefaultDynamicPatterns = []string{"/api/", "/_dash-", "/_favicon"}

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid manifest")

// Manifest is the asset list and routing configuration of one version.
type Manifest struct {
	Version         string   `yaml:"version"`
	CachePrefix     string   `yaml:"cache_prefix"`
	OfflineURL      string   `yaml:"offline_url"`
	Assets          []string `yaml:"assets"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	DynamicPatterns []string `yaml:"dynamic_patterns"`
}

// Default returns the dashboard's built-in manifest.
func Default() *Manifest {
	return &Manifest{
		Version:         DefaultVersion,
		CachePrefix:     DefaultCachePrefix,
		OfflineURL:      DefaultOfflineURL,
		Assets:          append([]string(nil), DefaultAssets...),
		AllowedOrigins:  append([]string(nil), DefaultAllowedOrigins...),
		DynamicPatterns: append([]string(nil), DefaultDynamicPatterns...),
	}
}

// Load reads a YAML file and applies it over the defaults. Fields the file
// leaves out keep their default values.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Manifest, error) {
	m := Default()
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// CacheName returns the versioned cache name, e.g. "swaccha-ap-cache-v1".
func (m *Manifest) CacheName() string {
	return m.CachePrefix + "-v" + m.Version
}

// Validate checks that the manifest can be installed.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("%w: empty version", ErrInvalid)
	}
	if m.CachePrefix == "" {
		return fmt.Errorf("%w: empty cache prefix", ErrInvalid)
	}
	if !strings.HasPrefix(m.OfflineURL, "/") {
		return fmt.Errorf("%w: offline url %q must be a same-origin path", ErrInvalid, m.OfflineURL)
	}
	if !m.Lists(m.OfflineURL) {
		return fmt.Errorf("%w: offline url %q is not in the asset list", ErrInvalid, m.OfflineURL)
	}
	for _, a := range m.Assets {
		if _, err := url.Parse(a); err != nil {
			return fmt.Errorf("%w: asset %q: %v", ErrInvalid, a, err)
		}
	}
	for _, o := range m.AllowedOrigins {
		u, err := url.Parse(o)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: allowed origin %q must be scheme://host", ErrInvalid, o)
		}
	}
	return nil
}

// Lists reports whether asset is in the precache list.
func (m *Manifest) Lists(asset string) bool {
	for _, a := range m.Assets {
		if a == asset {
			return true
		}
	}
	return false
}

// IsDynamic reports whether the URL matches a dynamic pattern.
func (m *Manifest) IsDynamic(rawURL string) bool {
	for _, p := range m.DynamicPatterns {
		if strings.Contains(rawURL, p) {
			return true
		}
	}
	return false
}

// AllowsOrigin reports whether origin ("scheme://host") is allow-listed.
func (m *Manifest) AllowsOrigin(origin string) bool {
	for _, o := range m.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(o, "/"), origin) {
			return true
		}
	}
	return false
}
