// Package knowledge answers free-text lookups against a vector similarity
// store of pre-embedded document chunks.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Passage is one retrieved chunk with its cosine similarity to the query.
type Passage struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Retriever looks up passages for text within a collection. Results are
// ordered by descending relevance.
type Retriever interface {
	Query(ctx context.Context, collection, text string) ([]Passage, error)
}

// Embedder turns query text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

var (
	// ErrDisabled is returned by a retriever with no backing store.
	ErrDisabled = errors.New("knowledge: retrieval not configured")
	// ErrEmptyQuery is returned for blank query text.
	ErrEmptyQuery = errors.New("knowledge: empty query")
)

// Disabled is a Retriever that always fails with ErrDisabled.
type Disabled struct{}

// Query implements Retriever.
func (Disabled) Query(context.Context, string, string) ([]Passage, error) {
	return nil, ErrDisabled
}

// nodeContent is the LlamaIndex node layout stored under _node_content.
type nodeContent struct {
	Text string `json:"text"`
}

// passageContent returns the text a chunk contributes to a tool result.
// Chunks ingested by LlamaIndex keep their text as a JSON string in the
// _node_content metadata key; anything else uses the content column.
func passageContent(content string, metadata []byte) string {
	if len(metadata) == 0 {
		return content
	}
	var meta map[string]json.RawMessage
	if err := json.Unmarshal(metadata, &meta); err != nil {
		return content
	}
	raw, ok := meta["_node_content"]
	if !ok {
		return content
	}

	// Usually a JSON string holding a JSON document, occasionally the
	// document itself.
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = json.RawMessage(encoded)
	}
	var node nodeContent
	if err := json.Unmarshal(raw, &node); err != nil || strings.TrimSpace(node.Text) == "" {
		return content
	}
	return node.Text
}
