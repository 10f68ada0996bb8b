// Package plugin manages the plugin lifecycle: manifest validation, content
// integrity verification, dependency policy enforcement, activation of the
// compiled-in tool factories, and hot reload when a plugin tree changes on
// disk.
package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// ManifestVersion is the only manifest revision the loader accepts.
const ManifestVersion = "2"

// Dependency policies.
const (
	PolicyBundledOnly     = "bundled-only"
	PolicyExternalAllowed = "external-allowed"
)

// Manifest describes an installed plugin. It is read from
// plugins/<id>/manifest.json.
type Manifest struct {
	ManifestVersion      string         `json:"manifestVersion"`
	Name                 string         `json:"name"`
	Version              string         `json:"version"`
	Entry                string         `json:"entry"`
	Dist                 Dist           `json:"dist"`
	DependenciesPolicy   string         `json:"dependenciesPolicy,omitempty"`
	ExternalDependencies []string       `json:"externalDependencies,omitempty"`
	Capabilities         *Capabilities  `json:"capabilities,omitempty"`
	Permissions          map[string]any `json:"permissions,omitempty"`
}

// Dist pins the plugin's distribution contents.
type Dist struct {
	Hash       string     `json:"hash"`
	FileCount  *int       `json:"fileCount,omitempty"`
	TotalBytes *int64     `json:"totalBytes,omitempty"`
	Checksums  *Checksums `json:"checksums,omitempty"`
}

// Checksums lists optional per-file digests.
type Checksums struct {
	Files []FileChecksum `json:"files"`
}

// FileChecksum pins a single file inside the distribution.
type FileChecksum struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// Capabilities declares what the plugin intends to register. With strict
// capability enforcement enabled, registering a tool that is not listed in
// Tools fails the load; resource and prompt registrations are not checked.
type Capabilities struct {
	Tools     []CapabilityRef `json:"tools,omitempty"`
	Resources []CapabilityRef `json:"resources,omitempty"`
	Prompts   []CapabilityRef `json:"prompts,omitempty"`
}

// CapabilityRef names one declared capability.
type CapabilityRef struct {
	Name string `json:"name"`
}

var (
	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(?:[-+][0-9A-Za-z.\-]+)?$`)
	hashPattern   = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)
	sha256Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// ReadManifest loads and validates plugins/<id>/manifest.json.
func ReadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest against the schema rules.
func (m *Manifest) Validate() error {
	if m.ManifestVersion != ManifestVersion {
		return fmt.Errorf("unsupported manifestVersion %q (want %q)", m.ManifestVersion, ManifestVersion)
	}
	if m.Name == "" {
		return fmt.Errorf("manifest name is required")
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("version %q is not valid semver", m.Version)
	}
	if m.Entry == "" {
		return fmt.Errorf("manifest entry is required")
	}
	if strings.HasPrefix(m.Entry, "/") || strings.Contains(m.Entry, "..") {
		return fmt.Errorf("entry %q must be a clean relative path", m.Entry)
	}
	if !hashPattern.MatchString(m.Dist.Hash) {
		return fmt.Errorf("dist.hash %q must match sha256:<hex64>", m.Dist.Hash)
	}
	switch m.DependenciesPolicy {
	case "", PolicyBundledOnly, PolicyExternalAllowed:
	default:
		return fmt.Errorf("unknown dependenciesPolicy %q", m.DependenciesPolicy)
	}
	if m.Dist.Checksums != nil {
		for _, fc := range m.Dist.Checksums.Files {
			if fc.Path == "" || strings.HasPrefix(fc.Path, "/") || strings.Contains(fc.Path, "..") {
				return fmt.Errorf("checksum path %q must be a clean relative path", fc.Path)
			}
			if !sha256Pattern.MatchString(fc.SHA256) {
				return fmt.Errorf("checksum for %q is not a sha256 hex digest", fc.Path)
			}
		}
	}
	return nil
}

// Policy returns the effective dependency policy (bundled-only by default).
func (m *Manifest) Policy() string {
	if m.DependenciesPolicy == "" {
		return PolicyBundledOnly
	}
	return m.DependenciesPolicy
}

// DeclaredTools returns the set of tool names the manifest declares.
func (m *Manifest) DeclaredTools() map[string]bool {
	out := map[string]bool{}
	if m.Capabilities == nil {
		return out
	}
	for _, ref := range m.Capabilities.Tools {
		out[ref.Name] = true
	}
	return out
}
