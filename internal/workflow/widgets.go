package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// addLoraKey is the placeholder the editor stores for the lora add-row
// button; the execution format keeps it verbatim.
const addLoraKey = "➕ Add Lora"

// controlSelectors are UI-only seed controls that never reach execution
// format.
var controlSelectors = map[string]bool{
	"fixed":     true,
	"increment": true,
	"decrement": true,
	"randomize": true,
}

// mapWidgets turns a node's widgets_values (dict or list form) into named
// widget inputs. Names already connected via links are never overwritten.
func (n *Normalizer) mapWidgets(node *editorNode, info *NodeInfo, linkInputs *InputMap) *InputMap {
	widgets := NewInputMap()

	raw := bytes.TrimSpace(node.WidgetsValues)
	if len(raw) == 0 || string(raw) == "null" {
		return widgets
	}

	switch raw[0] {
	case '{':
		keys, values, err := decodeOrderedObject(raw)
		if err != nil {
			n.logger.Warn("unparseable widget map",
				zap.String("type", node.Type),
				zap.Int64("node", node.ID),
				zap.Error(err),
			)
			return widgets
		}
		for _, key := range keys {
			if key == "videopreview" || key == "preview" {
				continue
			}
			if linkInputs.Has(key) {
				continue
			}
			widgets.Set(key, values[key])
		}

	case '[':
		list := decodeList(raw)
		if hasDictValues(list) {
			mapDictWidgets(list, widgets, linkInputs)
			return widgets
		}
		filtered := filterControlValues(list)
		names := widgetNames(node, info, len(list))
		if len(names) == 0 {
			if len(filtered) > 0 {
				n.logger.Warn("could not map widget values for unknown node type",
					zap.String("type", node.Type),
					zap.Int64("node", node.ID),
				)
			}
			return widgets
		}
		for i, value := range filtered {
			if i >= len(names) {
				break
			}
			if name := names[i]; name != "" && !linkInputs.Has(name) {
				widgets.Set(name, value)
			}
		}
	}
	return widgets
}

func hasDictValues(list []any) bool {
	for _, v := range list {
		if _, ok := v.(map[string]any); ok {
			return true
		}
	}
	return false
}

// mapDictWidgets handles self-describing widget dicts: a type field names
// the input directly, lora rows are numbered sequentially, and the empty
// string marks the add-row button.
func mapDictWidgets(list []any, widgets, linkInputs *InputMap) {
	loraCount := 0
	for _, v := range list {
		switch value := v.(type) {
		case map[string]any:
			if len(value) == 0 {
				continue
			}
			if name, ok := value["type"].(string); ok && name != "" {
				if !linkInputs.Has(name) {
					widgets.Set(name, value)
				}
			} else if _, ok := value["lora"]; ok {
				loraCount++
				name := fmt.Sprintf("lora_%d", loraCount)
				if linkInputs.Has(name) {
					continue
				}
				clean := make(map[string]any, len(value))
				for k, item := range value {
					if k == "strengthTwo" && item == nil {
						continue
					}
					clean[k] = item
				}
				widgets.Set(name, clean)
			}
		case string:
			if value == "" {
				widgets.Set(addLoraKey, value)
			}
		}
	}
}

// filterControlValues strips the control selector strings from a widget
// value list.
func filterControlValues(list []any) []any {
	filtered := make([]any, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok && controlSelectors[s] {
			continue
		}
		filtered = append(filtered, v)
	}
	return filtered
}

// widgetNames resolves the positional widget name sequence for a node. The
// catalog's widget order wins; without one the editor's own input records
// are mined: widget-flagged inputs first, topped up with unconnected ones.
func widgetNames(node *editorNode, info *NodeInfo, valueCount int) []string {
	if info != nil && len(info.WidgetOrder) > 0 {
		return info.WidgetOrder
	}

	var all, flagged []string
	connected := make(map[string]bool)
	isFlagged := make(map[string]bool)
	for _, in := range node.Inputs {
		if in.Name == "" {
			continue
		}
		all = append(all, in.Name)
		if in.Link != nil {
			connected[in.Name] = true
		}
		if widget := bytes.TrimSpace(in.Widget); len(widget) > 0 && string(widget) != "null" {
			flagged = append(flagged, in.Name)
			isFlagged[in.Name] = true
		}
	}

	if len(flagged) > 0 {
		if valueCount > len(flagged) {
			var extra []string
			for _, name := range all {
				if !connected[name] && !isFlagged[name] {
					extra = append(extra, name)
				}
			}
			if need := valueCount - len(flagged); need < len(extra) {
				extra = extra[:need]
			}
			return append(flagged, extra...)
		}
		return flagged
	}

	var unconnected []string
	for _, name := range all {
		if !connected[name] {
			unconnected = append(unconnected, name)
		}
	}
	if valueCount > 0 && len(unconnected) >= valueCount {
		return unconnected[:valueCount]
	}
	return nil
}

// decodeOrderedObject decodes a JSON object preserving its key order.
func decodeOrderedObject(raw []byte) ([]string, map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("not an object")
	}

	var keys []string
	values := make(map[string]any)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("non-string key")
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, nil, err
		}
		if _, seen := values[key]; !seen {
			keys = append(keys, key)
		}
		values[key] = value
	}
	return keys, values, nil
}
