package fs

import (
	"encoding/json"
	"fmt"

	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/zerr"
)

// Parser turns file content into a cached value. Name separates cache entries
// when one path is read with different parsers.
type Parser struct {
	Name  string
	Parse func(path string, content []byte) (any, error)
}

// Raw keeps the content as a string.
var Raw = Parser{
	Name: "raw",
	Parse: func(_ string, content []byte) (any, error) {
		return string(content), nil
	},
}

// JSONObject parses package descriptors, which must be plain JSON objects.
var JSONObject = Parser{
	Name:  "json-object",
	Parse: parseJSONObject,
}

func parseJSONObject(path string, content []byte) (any, error) {
	var v any
	if err := json.Unmarshal(content, &v); err != nil {
		return nil, zerr.With(
			zerr.Wrap(domain.ErrParse, fmt.Sprintf("%s: Error while parsing JSON - %s", path, err)),
			"path", path,
		)
	}
	if falsy(v) {
		return nil, zerr.With(zerr.Wrap(domain.ErrShape, path+": No config detected"), "path", path)
	}
	switch v.(type) {
	case map[string]any:
		return v, nil
	case []any:
		return nil, zerr.With(
			zerr.Wrap(domain.ErrShape, path+": Expected config object but found array"),
			"path", path,
		)
	default:
		return nil, zerr.With(
			zerr.Wrap(domain.ErrShape, fmt.Sprintf("%s: Config returned typeof %s", path, TypeName(v))),
			"path", path,
		)
	}
}

// TypeName names the type of a decoded value the way config errors report it.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64, float32, int, int64, uint64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func falsy(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case string:
		return t == ""
	case float64:
		return t == 0
	}
	return false
}
