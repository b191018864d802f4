// Package workflow rewrites editor-format workflow graphs into the flat
// execution-format map the backend runs. The rewrite is total: unknown node
// classes still produce entries with best-effort input ordering.
package workflow

import (
	"context"
	"sort"
	"sync"
	"unicode"

	"github.com/rdlogout/comfyui-agent/internal/backend"
	"go.uber.org/zap"
)

// NodeInfo is the catalog metadata for one node class.
type NodeInfo struct {
	DisplayName string
	OutputNode  bool
	// InputOrder lists every declared input name, required section first.
	InputOrder []string
	// WidgetOrder lists only the widget-backed inputs, in InputOrder order.
	WidgetOrder []string
}

// Catalog resolves node-class metadata. Info returns nil for unknown types;
// the normalizer must cope.
type Catalog interface {
	Info(ctx context.Context, nodeType string) *NodeInfo
}

// backendCatalog resolves metadata through the backend's object_info API,
// caching per type for the process lifetime. Negative lookups are cached too.
type backendCatalog struct {
	client *backend.Client
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]*NodeInfo
	seen  map[string]bool
}

// NewCatalog creates a Catalog backed by the given backend client.
func NewCatalog(client *backend.Client, logger *zap.Logger) Catalog {
	return &backendCatalog{
		client: client,
		logger: logger.Named("catalog"),
		cache:  make(map[string]*NodeInfo),
		seen:   make(map[string]bool),
	}
}

func (c *backendCatalog) Info(ctx context.Context, nodeType string) *NodeInfo {
	c.mu.Lock()
	if c.seen[nodeType] {
		info := c.cache[nodeType]
		c.mu.Unlock()
		return info
	}
	c.mu.Unlock()

	raw, err := c.client.ObjectInfo(ctx, nodeType)
	if err != nil {
		// Transient failure: do not cache, the next rewrite retries.
		c.logger.Warn("object_info lookup failed",
			zap.String("type", nodeType),
			zap.Error(err),
		)
		return nil
	}
	info := parseNodeInfo(raw)

	c.mu.Lock()
	c.seen[nodeType] = true
	c.cache[nodeType] = info
	c.mu.Unlock()

	if info == nil {
		c.logger.Debug("unknown node type", zap.String("type", nodeType))
	}
	return info
}

// parseNodeInfo extracts the normalizer-relevant slice of an object_info
// entry. Returns nil when raw is nil (unknown type).
func parseNodeInfo(raw map[string]any) *NodeInfo {
	if raw == nil {
		return nil
	}
	info := &NodeInfo{}
	if name, ok := raw["display_name"].(string); ok {
		info.DisplayName = name
	}
	if output, ok := raw["output_node"].(bool); ok {
		info.OutputNode = output
	}

	input, _ := raw["input"].(map[string]any)
	inputOrder, _ := raw["input_order"].(map[string]any)

	for _, section := range []string{"required", "optional"} {
		specs, _ := input[section].(map[string]any)
		names := sectionOrder(inputOrder, section, specs)
		for _, name := range names {
			info.InputOrder = append(info.InputOrder, name)
			if isWidgetSpec(specs[name]) {
				info.WidgetOrder = append(info.WidgetOrder, name)
			}
		}
	}
	return info
}

// sectionOrder returns the declared name order for one input section,
// preferring the backend's explicit input_order list and falling back to the
// spec map's sorted keys.
func sectionOrder(inputOrder map[string]any, section string, specs map[string]any) []string {
	if ordered, ok := inputOrder[section].([]any); ok {
		names := make([]string, 0, len(ordered))
		for _, v := range ordered {
			if name, ok := v.(string); ok {
				names = append(names, name)
			}
		}
		if len(names) > 0 {
			return names
		}
	}
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// isWidgetSpec reports whether an input spec describes a widget rather than
// a node connection. Widgets are choice lists, the scalar types, and
// lower-cased custom types; upper-case type names (MODEL, LATENT, ...) are
// connections.
func isWidgetSpec(spec any) bool {
	list, ok := spec.([]any)
	if !ok || len(list) == 0 {
		return false
	}
	switch t := list[0].(type) {
	case []any:
		return true
	case string:
		switch t {
		case "INT", "FLOAT", "STRING", "BOOLEAN":
			return true
		}
		return !isUpperName(t)
	}
	return false
}

// isUpperName reports whether s contains at least one upper-case letter and
// no lower-case letters.
func isUpperName(s string) bool {
	hasCased := false
	for _, r := range s {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			hasCased = true
		}
	}
	return hasCased
}
