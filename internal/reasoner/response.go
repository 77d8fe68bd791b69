package reasoner

import (
	"bytes"
	"encoding/json"
)

// Kind tags the shape of a reasoning service response body.
type Kind int

const (
	KindUnusable   Kind = iota // number, bool, null, array
	KindText                   // bare string
	KindStructured             // JSON object
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindStructured:
		return "structured"
	default:
		return "unusable"
	}
}

// ReplyFields lists the object fields that may carry the reply, by priority.
var ReplyFields = []string{"response", "reply", "text"}

// Response is a parsed reasoning service body.
type Response struct {
	Kind   Kind
	Text   string         // set for KindText
	Fields map[string]any // set for KindStructured
}

// ParseBody classifies a response body. A body that is not valid JSON is
// taken as plain text, the way a FastAPI PlainTextResponse arrives.
func ParseBody(body []byte) Response {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Response{Kind: KindText}
	}

	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return Response{Kind: KindText, Text: string(body)}
	}

	switch v := decoded.(type) {
	case string:
		return Response{Kind: KindText, Text: v}
	case map[string]any:
		return Response{Kind: KindStructured, Fields: v}
	default:
		return Response{Kind: KindUnusable}
	}
}

// Reply resolves the text to send back. The second result is false when the
// response holds no non-empty string in a recognised position.
func (r Response) Reply() (string, bool) {
	switch r.Kind {
	case KindText:
		return r.Text, r.Text != ""
	case KindStructured:
		for _, field := range ReplyFields {
			if s, ok := r.Fields[field].(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}
