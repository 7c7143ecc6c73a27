// Package rag provides the retrieval and context-formatting components of
// the RAG pipeline: querying the vector index, validating provider
// responses, and turning matches into prompt context and citable sources.
package rag

// DocumentMetadata holds the passage metadata attached to an indexed chunk.
// Text is the full passage content; everything else is optional and depends
// on what the ingestion pipeline recorded for the source book.
type DocumentMetadata struct {
	Text         string `json:"text"`
	BookName     string `json:"book_name,omitempty"`
	SectionTitle string `json:"section_title,omitempty"`
	AuthorName   string `json:"author_name,omitempty"`
	CategoryName string `json:"category_name,omitempty"`
	BookID       string `json:"book_id,omitempty"`
}

// DocumentMatch is a single scored result from the vector index. Scores are
// provider-defined; higher means more relevant, no normalization is assumed.
type DocumentMatch struct {
	ID       string           `json:"id"`
	Score    float64          `json:"score"`
	Metadata DocumentMetadata `json:"metadata"`
}

// Source is the citation record derived from a DocumentMatch. It carries a
// truncated snippet and a library URL, and is attached to the AI message at
// storage time and returned in the API response.
type Source struct {
	DocumentID string  `json:"document_id"`
	BookID     string  `json:"book_id,omitempty"`
	BookName   string  `json:"book_name,omitempty"`
	Title      string  `json:"title,omitempty"`
	Score      float64 `json:"score"`
	URL        string  `json:"url,omitempty"`
	Content    string  `json:"content"`
}
