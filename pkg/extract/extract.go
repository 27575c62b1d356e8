package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"
)

// ErrUnsupported is returned for content types with no extractor
var ErrUnsupported = errors.New("extract: unsupported content type")

// Func extracts plain text from one document format. PDF and Office
// extractors are injected at startup so the core stays free of heavy
// format dependencies.
type Func func(data []byte) (string, error)

// Registry dispatches extraction by MIME type
type Registry struct {
	byType map[string]Func
}

// NewRegistry creates a registry with the built-in text handlers
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Func)}

	r.Register("text/plain", func(data []byte) (string, error) {
		return string(data), nil
	})
	r.Register("text/csv", func(data []byte) (string, error) {
		return string(data), nil
	})
	r.Register("text/markdown", func(data []byte) (string, error) {
		return string(data), nil
	})
	r.Register("text/html", func(data []byte) (string, error) {
		return HTMLToMarkdown(string(data)), nil
	})
	r.Register("application/json", func(data []byte) (string, error) {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			return string(data), nil
		}
		return buf.String(), nil
	})
	return r
}

// Register adds or replaces the extractor for a content type
func (r *Registry) Register(contentType string, fn Func) {
	r.byType[normalizeType(contentType)] = fn
}

// Supported reports whether a content type has an extractor
func (r *Registry) Supported(contentType string) bool {
	_, ok := r.byType[normalizeType(contentType)]
	return ok
}

// Text extracts plain text from a document. Unknown types that look
// like text pass through; binary types without an extractor fail.
func (r *Registry) Text(contentType string, data []byte) (string, error) {
	ct := normalizeType(contentType)

	if fn, ok := r.byType[ct]; ok {
		text, err := fn(data)
		if err != nil {
			return "", fmt.Errorf("failed to extract %s: %w", ct, err)
		}
		return text, nil
	}
	if strings.HasPrefix(ct, "text/") || looksLikeText(data) {
		return string(data), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, contentType)
}

func normalizeType(contentType string) string {
	ct, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return ct
}

// looksLikeText accepts valid UTF-8 with no NUL bytes
func looksLikeText(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return false
	}
	return utf8.Valid(data)
}
