package handler

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Raw returns the identity handler: the platform result passes through
// uninterpreted
func Raw() Handler {
	return Func(func(ctx *Context) (interface{}, error) {
		return ctx.Previous, nil
	})
}

// JSON returns a handler that parses string results as JSON, stripping
// fenced code-block markers the model may wrap around the payload. Input
// that is already structured is deep-copied, which makes the handler
// idempotent: feeding its own output back in yields an equal value.
func JSON() Handler {
	return Func(func(ctx *Context) (interface{}, error) {
		switch v := ctx.Previous.(type) {
		case string:
			return parseJSONString(v)
		case []byte:
			return parseJSONString(string(v))
		case nil:
			return nil, fmt.Errorf("no result to parse")
		default:
			return deepCopy(v)
		}
	})
}

func parseJSONString(s string) (interface{}, error) {
	s = stripFences(s)
	var out interface{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("result is not valid JSON: %w", err)
	}
	return out, nil
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag (```json ... ```)
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	// Drop the opening fence line
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	} else {
		return strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// deepCopy clones a structured value through a JSON round trip
func deepCopy(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("result is not JSON-representable: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
