package opendata

import (
	"errors"
	"fmt"
	"strings"
)

// RecordsPath is where CKAN's datastore_search_sql puts the rows.
var RecordsPath = []string{"result", "result", "records"}

// ErrMissingPath is wrapped by PathError.
var ErrMissingPath = errors.New("missing path in response")

// PathError reports the first key of Path that could not be resolved.
type PathError struct {
	Path []string
	Key  string
	// Found describes the node that was there instead, if any.
	Found string
}

func (e *PathError) Error() string {
	msg := fmt.Sprintf("%s: %s (at %q", ErrMissingPath, strings.Join(e.Path, "."), e.Key)
	if e.Found != "" {
		msg += ", found " + e.Found
	}
	return msg + ")"
}

func (e *PathError) Unwrap() error { return ErrMissingPath }

// APIError is CKAN's {"success": false, "error": {...}} envelope.
type APIError struct {
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Type == "" {
		return "portal error: " + e.Message
	}
	return fmt.Sprintf("portal error (%s): %s", e.Type, e.Message)
}

// ExtractRecords returns exactly the array found at result.result.records.
// Each element must be a JSON object.
func ExtractRecords(doc any) ([]map[string]any, error) {
	if err := checkEnvelope(doc); err != nil {
		return nil, err
	}

	node := doc
	for _, key := range RecordsPath {
		obj, ok := node.(map[string]any)
		if !ok {
			return nil, &PathError{Path: RecordsPath, Key: key, Found: kind(node)}
		}
		next, ok := obj[key]
		if !ok {
			return nil, &PathError{Path: RecordsPath, Key: key}
		}
		node = next
	}

	items, ok := node.([]any)
	if !ok {
		return nil, &PathError{Path: RecordsPath, Key: RecordsPath[len(RecordsPath)-1], Found: kind(node)}
	}

	records := make([]map[string]any, 0, len(items))
	for i, item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("record %d is %s, not an object", i, kind(item))
		}
		records = append(records, rec)
	}
	return records, nil
}

func checkEnvelope(doc any) error {
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil
	}
	success, ok := obj["success"].(bool)
	if !ok || success {
		return nil
	}

	apiErr := &APIError{Message: "request unsuccessful"}
	if detail, ok := obj["error"].(map[string]any); ok {
		if t, ok := detail["__type"].(string); ok {
			apiErr.Type = t
		}
		if m, ok := detail["message"].(string); ok {
			apiErr.Message = m
		} else if info, ok := detail["info"].(map[string]any); ok {
			if orig, ok := info["orig"].([]any); ok && len(orig) > 0 {
				apiErr.Message = fmt.Sprint(orig[0])
			}
		}
	}
	return apiErr
}

func kind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "bool"
	default:
		return "number"
	}
}
