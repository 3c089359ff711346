package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/polunzh/aiva/internal/orchestrator/atomicfile"
)

// ErrKeyNotFound is returned by UserConfig.Get for a key absent from the
// document.
var ErrKeyNotFound = errors.New("config: key not found")

// UserConfig wraps the parsed config.yaml document. It's kept as a
// yaml.Node tree, not a map[string]any, so ConfigSet round-trips comments
// and key order for keys the core never looks at directly — the file's
// external CLI editor is expected to preserve both, and the core has no
// business dropping either just because it only cares about a handful of
// well-known keys.
type UserConfig struct {
	path string
	root yaml.Node
}

// Well-known top-level keys. The daemon reads rootfs_base_path and
// nested_helper at startup; the others are named here but not read by the
// core. Every other key round-trips opaquely.
const (
	KeyDefaultTemplate = "default_template"
	KeyBridgeName      = "bridge_name"
	KeySubnetCIDR      = "subnet_cidr"
	KeyKernelImagePath = "kernel_image_path"
	KeyRootFSBasePath  = "rootfs_base_path"
	KeyNestedHelper    = "nested_helper"
	KeyCacheStrategy   = "cache_strategy"
)

// NestedHelperConfig is the nested_helper mapping's shape.
type NestedHelperConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // "lima" | "wsl"
}

// NestedHelper decodes the nested_helper key, if present.
func (c *UserConfig) NestedHelper() (NestedHelperConfig, bool) {
	var nh NestedHelperConfig
	if err := c.Get(KeyNestedHelper, &nh); err != nil {
		return NestedHelperConfig{}, false
	}
	return nh, true
}

// LoadUserConfig reads and parses path. A missing file is not an error —
// it returns an empty document, since config.yaml is optional and every
// setting it can hold has a ServerConfig-level default.
func LoadUserConfig(path string) (*UserConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &UserConfig{path: path, root: emptyMappingNode()}, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return &UserConfig{path: path, root: emptyMappingNode()}, nil
	}
	return &UserConfig{path: path, root: *doc.Content[0]}, nil
}

func emptyMappingNode() yaml.Node {
	return yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
}

// Get returns the scalar or nested value for key, decoded into v (the
// same way yaml.Node.Decode works). Returns ErrKeyNotFound if key is
// absent.
func (c *UserConfig) Get(key string, v any) error {
	node := c.find(key)
	if node == nil {
		return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return node.Decode(v)
}

// GetString is a convenience wrapper over Get for the common case of a
// scalar string value, returning def if the key is absent.
func (c *UserConfig) GetString(key, def string) string {
	var s string
	if err := c.Get(key, &s); err != nil {
		return def
	}
	return s
}

// List returns every top-level key currently present in the document, in
// file order.
func (c *UserConfig) List() []string {
	keys := make([]string, 0, len(c.root.Content)/2)
	for i := 0; i+1 < len(c.root.Content); i += 2 {
		keys = append(keys, c.root.Content[i].Value)
	}
	return keys
}

// Set inserts or replaces key's value and rewrites the backing file
// atomically. Existing comments on untouched keys are preserved; a
// freshly-set key gets no comment.
func (c *UserConfig) Set(key string, value any) error {
	valueNode := &yaml.Node{}
	if err := valueNode.Encode(value); err != nil {
		return fmt.Errorf("config: encode %q: %w", key, err)
	}

	for i := 0; i+1 < len(c.root.Content); i += 2 {
		if c.root.Content[i].Value == key {
			c.root.Content[i+1] = valueNode
			return c.save()
		}
	}
	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	c.root.Content = append(c.root.Content, keyNode, valueNode)
	return c.save()
}

func (c *UserConfig) find(key string) *yaml.Node {
	for i := 0; i+1 < len(c.root.Content); i += 2 {
		if c.root.Content[i].Value == key {
			return c.root.Content[i+1]
		}
	}
	return nil
}

func (c *UserConfig) save() error {
	doc := yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{&c.root}}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return atomicfile.Write(c.path, data, 0o644)
}
