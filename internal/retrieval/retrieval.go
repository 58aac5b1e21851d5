// Package retrieval queries external knowledge sources and turns their
// results into provenance-tagged context blocks.
package retrieval

import (
	"fmt"
	"strings"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
)

// Kind selects how a document's provenance is rendered.
type Kind string

const (
	// KindWeb documents carry a URL.
	KindWeb Kind = "web"
	// KindReference documents carry a source and page.
	KindReference Kind = "reference"
)

// DocumentSeparator joins formatted documents inside one context block.
const DocumentSeparator = "\n\n---\n\n"

// Decode converts a collaborator payload into documents. Lists of documents
// or of string-keyed maps are accepted; any other shape is a malformed
// result.
func Decode(raw any, source string) ([]core.Document, error) {
	switch v := raw.(type) {
	case []core.Document:
		return v, nil
	case []map[string]any:
		docs := make([]core.Document, 0, len(v))
		for i, m := range v {
			doc, err := documentFromMap(m)
			if err != nil {
				return nil, core.ErrMalformedRetrieval(source, fmt.Sprintf("item %d: %v", i, err))
			}
			docs = append(docs, doc)
		}
		return docs, nil
	case []any:
		docs := make([]core.Document, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, core.ErrMalformedRetrieval(source, fmt.Sprintf("item %d is %T, want object", i, item))
			}
			doc, err := documentFromMap(m)
			if err != nil {
				return nil, core.ErrMalformedRetrieval(source, fmt.Sprintf("item %d: %v", i, err))
			}
			docs = append(docs, doc)
		}
		return docs, nil
	case nil:
		return nil, core.ErrMalformedRetrieval(source, "result is nil")
	default:
		return nil, core.ErrMalformedRetrieval(source, fmt.Sprintf("result is %T, want list", raw))
	}
}

// documentFromMap reads content and provenance from a decoded item. Content
// may live under "content" or "page_content"; provenance may be top-level
// or nested under "metadata".
func documentFromMap(m map[string]any) (core.Document, error) {
	content, ok := stringField(m, "content")
	if !ok {
		content, ok = stringField(m, "page_content")
	}
	if !ok {
		return core.Document{}, fmt.Errorf("missing string content")
	}

	doc := core.Document{Content: content}
	doc.URL, _ = stringField(m, "url")
	doc.Source, _ = stringField(m, "source")
	doc.Page, _ = stringField(m, "page")

	if meta, ok := m["metadata"].(map[string]any); ok {
		if doc.Source == "" {
			doc.Source, _ = stringField(meta, "source")
		}
		if doc.Page == "" {
			doc.Page, _ = stringField(meta, "page")
		}
	}
	return doc, nil
}

func stringField(m map[string]any, key string) (string, bool) {
	switch v := m[key].(type) {
	case string:
		return v, true
	case float64:
		return fmt.Sprintf("%g", v), true
	case int:
		return fmt.Sprintf("%d", v), true
	default:
		return "", false
	}
}

// FormatDocuments renders documents as tagged blocks joined by
// DocumentSeparator.
func FormatDocuments(docs []core.Document, kind Kind) string {
	blocks := make([]string, 0, len(docs))
	for _, d := range docs {
		blocks = append(blocks, FormatDocument(d, kind))
	}
	return strings.Join(blocks, DocumentSeparator)
}

// FormatDocument renders one document with its provenance tag.
func FormatDocument(d core.Document, kind Kind) string {
	if kind == KindWeb {
		return fmt.Sprintf("<Document href=\"%s\"/>\n%s\n</Document>", d.URL, d.Content)
	}
	return fmt.Sprintf("<Document source=\"%s\" page=\"%s\"/>\n%s\n</Document>", d.Source, d.Page, d.Content)
}

// Placeholder is the context block recorded when a lookup yields nothing
// usable.
func Placeholder(source, reason string) string {
	return fmt.Sprintf("<Document source=\"%s\" page=\"\"/>\nNo results available from %s: %s\n</Document>", source, source, reason)
}
