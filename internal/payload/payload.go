// Package payload validates and normalizes inference request bodies before
// they are forwarded upstream. Bodies stay as raw JSON: fields the gateway
// does not understand pass through untouched.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ferro-labs/keygate/apierr"
	"github.com/ferro-labs/keygate/providers"
)

// Defaults fill in fields a client left out.
type Defaults struct {
	ChatModel  string
	ImageModel string
}

// DefaultCount is the image count used when a request names none.
const DefaultCount = 1

// Meta is what the gateway reads back out of a prepared payload.
type Meta struct {
	Model  string
	Count  int
	Stream bool // true when the client asked for streaming and it was disabled
}

const chatSchema = `{
  "type": "object",
  "required": ["messages"],
  "properties": {
    "model": {"type": "string"},
    "stream": {"type": "boolean"},
    "messages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["role"],
        "properties": {"role": {"type": "string", "minLength": 1}}
      }
    },
    "max_tokens": {"type": "integer", "minimum": 1},
    "temperature": {"type": "number", "minimum": 0, "maximum": 2}
  }
}`

const imageSchema = `{
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "model": {"type": "string"},
    "prompt": {"type": "string", "minLength": 1},
    "n": {"type": "integer", "minimum": 1, "maximum": 10},
    "count": {"type": "integer", "minimum": 1, "maximum": 10},
    "size": {"type": "string"}
  }
}`

var schemas = map[providers.Capability]*jsonschema.Schema{
	providers.CapabilityChat:  jsonschema.MustCompileString("keygate://chat.json", chatSchema),
	providers.CapabilityImage: jsonschema.MustCompileString("keygate://image.json", imageSchema),
}

// Prepare validates body for capability c and returns the body to forward.
// Streaming is always disabled, a missing model is filled from d, and for
// images a client-supplied count is mirrored into n. Validation failures
// wrap apierr.ErrInvalidRequest.
func Prepare(c providers.Capability, body []byte, d Defaults) ([]byte, Meta, error) {
	schema, ok := schemas[c]
	if !ok {
		return nil, Meta{}, fmt.Errorf("%w: unsupported capability %q", apierr.ErrInvalidRequest, c)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return nil, Meta{}, fmt.Errorf("%w: request body must be valid JSON", apierr.ErrInvalidRequest)
	}

	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, Meta{}, fmt.Errorf("%w: %v", apierr.ErrInvalidRequest, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, Meta{}, fmt.Errorf("%w: %s", apierr.ErrInvalidRequest, describe(err))
	}

	var (
		meta Meta
		err  error
	)
	if gjson.GetBytes(body, "stream").Bool() {
		meta.Stream = true
		if body, err = sjson.SetBytes(body, "stream", false); err != nil {
			return nil, Meta{}, fmt.Errorf("rewrite stream: %w", err)
		}
	}

	meta.Model = gjson.GetBytes(body, "model").String()
	if meta.Model == "" {
		meta.Model = d.ChatModel
		if c == providers.CapabilityImage {
			meta.Model = d.ImageModel
		}
		if meta.Model != "" {
			if body, err = sjson.SetBytes(body, "model", meta.Model); err != nil {
				return nil, Meta{}, fmt.Errorf("set default model: %w", err)
			}
		}
	}

	if c == providers.CapabilityImage {
		meta.Count = DefaultCount
		n := gjson.GetBytes(body, "n")
		count := gjson.GetBytes(body, "count")
		switch {
		case n.Exists():
			meta.Count = int(n.Int())
		case count.Exists():
			meta.Count = int(count.Int())
			if body, err = sjson.SetBytes(body, "n", meta.Count); err != nil {
				return nil, Meta{}, fmt.Errorf("set image count: %w", err)
			}
		}
	}
	return body, meta, nil
}

// TotalTokens returns usage.total_tokens from an upstream chat response, or 0.
func TotalTokens(resp []byte) int64 {
	v := gjson.GetBytes(resp, "usage.total_tokens")
	if v.Type != gjson.Number || v.Int() < 0 {
		return 0
	}
	return v.Int()
}

// describe flattens a schema error to its most specific cause.
func describe(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := strings.TrimPrefix(ve.InstanceLocation, "/")
	if loc == "" {
		return ve.Message
	}
	return strings.ReplaceAll(loc, "/", ".") + ": " + ve.Message
}
