// Package catalog holds the host application's tool manifest: the tool set an
// agent sees once it has paired with a session.
package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/codap-relay/backend/pkg/apperr"
)

//go:embed tools.yaml
var defaultManifest []byte

// Tool describes one externally executed tool.
type Tool struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	InputSchema map[string]any `yaml:"inputSchema" json:"inputSchema"`
}

// RawSchema returns the input schema as JSON.
func (t Tool) RawSchema() json.RawMessage {
	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}

// Manifest is the body served by the metadata endpoint.
type Manifest struct {
	APIVersion          string `yaml:"apiVersion" json:"apiVersion"`
	ToolManifestVersion string `yaml:"toolManifestVersion" json:"toolManifestVersion"`
	Tools               []Tool `yaml:"tools" json:"tools"`
}

type document struct {
	Manifest          `yaml:",inline"`
	SupportedVersions []string `yaml:"supportedVersions"`
}

// VersionError carries the negotiation detail for an unsupported version.
type VersionError struct {
	Requested string
	Supported []string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("api version %q not supported (supported: %s)", e.Requested, strings.Join(e.Supported, ", "))
}

// Catalog is immutable after Load.
type Catalog struct {
	manifest  Manifest
	supported []string
	byName    map[string]int
}

// Default loads the embedded CODAP manifest. reserved is passed to Load.
func Default(reserved ...string) (*Catalog, error) {
	return Load(defaultManifest, reserved...)
}

// Load parses a YAML manifest. A tool named in reserved is rejected, so the
// relay's own tools cannot be shadowed.
func Load(data []byte, reserved ...string) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperr.New(apperr.KindConfiguration, "parse tool manifest", err)
	}
	if doc.APIVersion == "" {
		return nil, apperr.New(apperr.KindConfiguration, "tool manifest has no apiVersion", nil)
	}
	if !slices.Contains(doc.SupportedVersions, doc.APIVersion) {
		doc.SupportedVersions = append([]string{doc.APIVersion}, doc.SupportedVersions...)
	}

	byName := make(map[string]int, len(doc.Tools))
	for i, t := range doc.Tools {
		switch {
		case t.Name == "":
			return nil, apperr.Newf(apperr.KindConfiguration, "tool %d has no name", i)
		case slices.Contains(reserved, t.Name):
			return nil, apperr.Newf(apperr.KindConfiguration, "tool name %q is reserved", t.Name)
		}
		if _, dup := byName[t.Name]; dup {
			return nil, apperr.Newf(apperr.KindConfiguration, "duplicate tool %q", t.Name)
		}
		if t.InputSchema == nil {
			doc.Tools[i].InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		byName[t.Name] = i
	}
	return &Catalog{manifest: doc.Manifest, supported: doc.SupportedVersions, byName: byName}, nil
}

// Tools returns the tool set in manifest order.
func (c *Catalog) Tools() []Tool {
	return slices.Clone(c.manifest.Tools)
}

func (c *Catalog) Len() int {
	return len(c.manifest.Tools)
}

func (c *Catalog) Lookup(name string) (Tool, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Tool{}, false
	}
	return c.manifest.Tools[i], true
}

func (c *Catalog) APIVersion() string          { return c.manifest.APIVersion }
func (c *Catalog) ToolManifestVersion() string { return c.manifest.ToolManifestVersion }
func (c *Catalog) SupportedVersions() []string { return slices.Clone(c.supported) }

// Negotiate returns the manifest for the requested API version. An empty
// request selects the current version.
func (c *Catalog) Negotiate(requested string) (Manifest, error) {
	requested = strings.TrimSpace(requested)
	if requested != "" && !slices.Contains(c.supported, requested) {
		return Manifest{}, apperr.New(apperr.KindVersionNotSupported, "unsupported api version",
			&VersionError{Requested: requested, Supported: c.SupportedVersions()})
	}
	m := c.manifest
	if requested != "" {
		m.APIVersion = requested
	}
	m.Tools = c.Tools()
	return m, nil
}
