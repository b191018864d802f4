package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"
)

// ErrInvalidFormat is returned for documents that are neither execution
// format nor an editor graph with nodes and links.
var ErrInvalidFormat = errors.New("workflow: missing nodes or links")

// Node is one entry of the execution-format map.
type Node struct {
	ClassType string    `json:"class_type"`
	Inputs    *InputMap `json:"inputs"`
	Meta      Meta      `json:"_meta"`
}

// Meta carries the node's human-facing title.
type Meta struct {
	Title string `json:"title"`
}

// Editor graph shapes. Link rows are heterogeneous arrays
// [id, sourceNode, sourceSlot, targetNode, targetSlot, dataType], decoded
// leniently row by row.
type editorWorkflow struct {
	Nodes []editorNode      `json:"nodes"`
	Links []json.RawMessage `json:"links"`
}

type editorNode struct {
	ID            int64           `json:"id"`
	Type          string          `json:"type"`
	Title         string          `json:"title"`
	Mode          int             `json:"mode"`
	Inputs        []editorInput   `json:"inputs"`
	Outputs       []editorOutput  `json:"outputs"`
	WidgetsValues json.RawMessage `json:"widgets_values"`
	Properties    map[string]any  `json:"properties"`
}

type editorInput struct {
	Name   string          `json:"name"`
	Link   *int64          `json:"link"`
	Widget json.RawMessage `json:"widget"`
}

type editorOutput struct {
	Links []int64 `json:"links"`
}

type link struct {
	sourceID   int64
	sourceSlot int
	targetID   int64
	targetSlot int
	dataType   string
}

// Node modes as recorded by the editor.
const (
	modeMuted    = 2
	modeBypassed = 4
)

// Node types that never appear in execution format.
const (
	typePrimitive       = "PrimitiveNode"
	typeNote            = "Note"
	typeLoadImageOutput = "LoadImageOutput"
)

// Normalizer converts editor-format workflows to execution format.
type Normalizer struct {
	catalog Catalog
	logger  *zap.Logger
}

// NewNormalizer creates a Normalizer over the given catalog.
func NewNormalizer(catalog Catalog, logger *zap.Logger) *Normalizer {
	return &Normalizer{catalog: catalog, logger: logger.Named("workflow")}
}

// Normalize converts a raw workflow document. Input that already is in
// execution format is returned untouched, so the operation is idempotent.
// The result marshals to execution-format JSON either way.
func (n *Normalizer) Normalize(ctx context.Context, raw []byte) (any, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("workflow: invalid JSON: %w", err)
	}

	if isExecutionFormat(top) {
		return json.RawMessage(raw), nil
	}
	if _, ok := top["nodes"]; !ok {
		return nil, ErrInvalidFormat
	}
	if _, ok := top["links"]; !ok {
		return nil, ErrInvalidFormat
	}

	var wf editorWorkflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("workflow: malformed editor graph: %w", err)
	}
	return n.convert(ctx, &wf), nil
}

// isExecutionFormat reports whether the document is already the flat
// execution map: no nodes/links pair, and at least one value that is an
// object carrying class_type.
func isExecutionFormat(top map[string]json.RawMessage) bool {
	_, hasNodes := top["nodes"]
	_, hasLinks := top["links"]
	if hasNodes && hasLinks {
		return false
	}
	for key, value := range top {
		switch key {
		case "prompt", "extra_data", "client_id":
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(value, &obj); err != nil {
			continue
		}
		if _, ok := obj["class_type"]; ok {
			return true
		}
	}
	return false
}

func (n *Normalizer) convert(ctx context.Context, wf *editorWorkflow) map[string]*Node {
	links := indexLinks(wf.Links)

	// Classification pass: primitives remember their value, bypassed nodes
	// get stitched through, UI-only and dangling nodes are excluded.
	primitiveValues := make(map[string]any)
	bypassed := make(map[int64]bool)
	excluded := make(map[int64]bool)
	byID := make(map[int64]*editorNode, len(wf.Nodes))

	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		byID[node.ID] = node

		if node.Mode == modeBypassed {
			bypassed[node.ID] = true
		}
		if node.Type == typePrimitive {
			if vals := decodeList(node.WidgetsValues); len(vals) > 0 {
				primitiveValues[strconv.FormatInt(node.ID, 10)] = vals[0]
			}
		}

		hasConnectedOutput := false
		for _, out := range node.Outputs {
			if len(out.Links) > 0 {
				hasConnectedOutput = true
				break
			}
		}
		if node.Type == typeLoadImageOutput {
			excluded[node.ID] = true
		} else if !hasConnectedOutput {
			// Keep dangling nodes only when their class is flagged as an
			// output node (SaveImage and friends).
			info := n.catalog.Info(ctx, catalogType(node))
			if info == nil || !info.OutputNode {
				excluded[node.ID] = true
			}
		}
	}

	// trace follows bypassed nodes to the real upstream source, guarding
	// against cycles with a visited set.
	var trace func(srcID int64, slot int, visited map[int64]bool) (int64, int)
	trace = func(srcID int64, slot int, visited map[int64]bool) (int64, int) {
		if visited[srcID] {
			return srcID, slot
		}
		visited[srcID] = true
		if !bypassed[srcID] {
			return srcID, slot
		}
		node := byID[srcID]
		if node != nil {
			for _, in := range node.Inputs {
				if in.Link == nil {
					continue
				}
				if l, ok := links[*in.Link]; ok {
					return trace(l.sourceID, l.sourceSlot, visited)
				}
			}
		}
		return srcID, slot
	}

	out := make(map[string]*Node)
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if node.Type == "" || node.Mode == modeMuted || node.Mode == modeBypassed {
			continue
		}
		if node.Type == typeNote || node.Type == typePrimitive {
			continue
		}
		if excluded[node.ID] {
			continue
		}
		id := strconv.FormatInt(node.ID, 10)

		info := n.catalog.Info(ctx, catalogType(node))

		title := node.Title
		if title == "" {
			if info != nil && info.DisplayName != "" {
				title = info.DisplayName
			} else {
				title = node.Type
			}
		}

		linkInputs := NewInputMap()
		primitiveInputs := NewInputMap()
		for _, in := range node.Inputs {
			if in.Link == nil {
				continue
			}
			l, ok := links[*in.Link]
			if !ok {
				continue
			}
			actualID, actualSlot := trace(l.sourceID, l.sourceSlot, make(map[int64]bool))
			srcKey := strconv.FormatInt(actualID, 10)

			if v, ok := primitiveValues[srcKey]; ok {
				// Primitive sources inline their value; ordering treats it
				// as a widget.
				primitiveInputs.Set(in.Name, v)
			} else if excluded[actualID] {
				n.logger.Debug("dropping input from excluded source",
					zap.String("input", in.Name),
					zap.String("source", srcKey),
				)
			} else {
				linkInputs.Set(in.Name, []any{srcKey, actualSlot})
			}
		}

		widgetInputs := n.mapWidgets(node, info, linkInputs)

		out[id] = &Node{
			ClassType: node.Type,
			Inputs:    assembleInputs(info, widgetInputs, primitiveInputs, linkInputs),
			Meta:      Meta{Title: title},
		}
	}
	return out
}

// assembleInputs emits the final input map: with a known catalog, all
// widget and primitive entries in catalog order, then all link entries in
// catalog order, then leftovers; without one, widgets then primitives then
// links in encountered order.
func assembleInputs(info *NodeInfo, widgets, primitives, links *InputMap) *InputMap {
	out := NewInputMap()
	if info != nil {
		for _, name := range info.InputOrder {
			if v, ok := widgets.Get(name); ok {
				out.Set(name, v)
			} else if v, ok := primitives.Get(name); ok {
				out.Set(name, v)
			}
		}
		for _, name := range info.InputOrder {
			if out.Has(name) {
				continue
			}
			if v, ok := links.Get(name); ok {
				out.Set(name, v)
			}
		}
	}
	for _, m := range []*InputMap{widgets, primitives, links} {
		for _, key := range m.Keys() {
			if !out.Has(key) {
				v, _ := m.Get(key)
				out.Set(key, v)
			}
		}
	}
	return out
}

// catalogType returns the class name to use for catalog lookups. The editor
// records the real class under "Node name for S&R" when the visible type
// was renamed.
func catalogType(node *editorNode) string {
	if name, ok := node.Properties["Node name for S&R"].(string); ok && name != "" {
		return name
	}
	return node.Type
}

// indexLinks builds the linkId lookup from the flat rows, skipping rows too
// short to describe a connection.
func indexLinks(rows []json.RawMessage) map[int64]link {
	out := make(map[int64]link, len(rows))
	for _, row := range rows {
		var fields []any
		if err := json.Unmarshal(row, &fields); err != nil || len(fields) < 6 {
			continue
		}
		id, ok := asInt(fields[0])
		if !ok {
			continue
		}
		src, ok1 := asInt(fields[1])
		srcSlot, ok2 := asInt(fields[2])
		tgt, ok3 := asInt(fields[3])
		tgtSlot, ok4 := asInt(fields[4])
		if !ok1 || !ok2 || !ok3 || !ok4 {
			continue
		}
		dataType, _ := fields[5].(string)
		out[id] = link{
			sourceID:   src,
			sourceSlot: int(srcSlot),
			targetID:   tgt,
			targetSlot: int(tgtSlot),
			dataType:   dataType,
		}
	}
	return out
}

func asInt(v any) (int64, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func decodeList(raw json.RawMessage) []any {
	if len(raw) == 0 {
		return nil
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	return list
}
