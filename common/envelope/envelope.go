package envelope

import (
	"encoding/json"
	"fmt"
)

// ContentType tags the shape of an envelope body. The set is closed.
type ContentType string

const (
	RawText ContentType = "raw_text"
	Object  ContentType = "object"
	Binary  ContentType = "binary"
	Error   ContentType = "error"
)

// Envelope is the immutable typed value that flows on edges. Construct via
// New or AsError; derive variants via WithMeta and CoerceTo. Callers must
// not mutate Body or Meta after construction.
type Envelope struct {
	Body        any            `json:"body"`
	ContentType ContentType    `json:"content_type"`
	ProducedBy  string         `json:"produced_by"`
	TraceID     string         `json:"trace_id,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// New creates an envelope, auto-classifying the content type from the body:
// string -> raw_text, []byte -> binary, error -> error, everything else
// (maps, slices, structs, numbers) -> object.
func New(producedBy string, body any) Envelope {
	return Envelope{
		Body:        normalize(body),
		ContentType: classify(body),
		ProducedBy:  producedBy,
	}
}

// AsError creates an error-typed envelope with a kind and message body.
func AsError(producedBy, kind, msg string) Envelope {
	return Envelope{
		Body:        map[string]any{"kind": kind, "message": msg},
		ContentType: Error,
		ProducedBy:  producedBy,
	}
}

// WithTrace returns a copy carrying the given trace id.
func (e Envelope) WithTrace(traceID string) Envelope {
	e.TraceID = traceID
	return e
}

// WithMeta returns a copy with an additional metadata entry.
func (e Envelope) WithMeta(key string, value any) Envelope {
	meta := make(map[string]any, len(e.Meta)+1)
	for k, v := range e.Meta {
		meta[k] = v
	}
	meta[key] = value
	e.Meta = meta
	return e
}

// IsError reports whether the envelope carries an error body.
func (e Envelope) IsError() bool {
	return e.ContentType == Error
}

// AsText returns the body rendered as text. Object bodies are canonically
// JSON-encoded.
func (e Envelope) AsText() (string, error) {
	switch e.ContentType {
	case RawText:
		s, ok := e.Body.(string)
		if !ok {
			return fmt.Sprint(e.Body), nil
		}
		return s, nil
	case Binary:
		if b, ok := e.Body.([]byte); ok {
			return string(b), nil
		}
		return fmt.Sprint(e.Body), nil
	default:
		data, err := json.Marshal(e.Body)
		if err != nil {
			return "", fmt.Errorf("encode %s body as text: %w", e.ContentType, err)
		}
		return string(data), nil
	}
}

// CoerceTo converts the envelope to the target content type using the
// declared conversions: object -> raw_text via canonical JSON encoding,
// raw_text -> object via JSON parse (failing loud on invalid JSON).
func (e Envelope) CoerceTo(target ContentType) (Envelope, error) {
	if e.ContentType == target {
		return e, nil
	}

	switch {
	case e.ContentType == Object && target == RawText:
		text, err := e.AsText()
		if err != nil {
			return Envelope{}, err
		}
		e.Body = text
		e.ContentType = RawText
		return e, nil

	case e.ContentType == RawText && target == Object:
		s, _ := e.Body.(string)
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return Envelope{}, fmt.Errorf("coerce raw_text to object: %w", err)
		}
		e.Body = parsed
		e.ContentType = Object
		return e, nil

	case e.ContentType == Binary && target == RawText:
		text, err := e.AsText()
		if err != nil {
			return Envelope{}, err
		}
		e.Body = text
		e.ContentType = RawText
		return e, nil

	default:
		return Envelope{}, fmt.Errorf("no conversion from %s to %s", e.ContentType, target)
	}
}

func classify(body any) ContentType {
	switch body.(type) {
	case string:
		return RawText
	case []byte:
		return Binary
	case error:
		return Error
	default:
		return Object
	}
}

func normalize(body any) any {
	if err, ok := body.(error); ok {
		return map[string]any{"kind": "error", "message": err.Error()}
	}
	return body
}
