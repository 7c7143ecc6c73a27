package rag

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"
)

// NoContextMarker is the canonical stand-in used when retrieval produced no
// usable documents. Prompt construction keys off this exact string.
const NoContextMarker = "No relevant context found."

// FormatterConfig holds configuration for the context formatter.
type FormatterConfig struct {
	SnippetMaxLen int
}

// DefaultFormatterConfig returns a default configuration.
func DefaultFormatterConfig() FormatterConfig {
	return FormatterConfig{SnippetMaxLen: 300}
}

// Formatter renders retrieved document matches into the context block fed to
// the language model, and into the source attributions returned to clients.
type Formatter struct {
	logger *slog.Logger
	config FormatterConfig
}

// NewFormatter creates a new Formatter instance.
func NewFormatter(logger *slog.Logger, config FormatterConfig) *Formatter {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SnippetMaxLen <= 0 {
		config.SnippetMaxLen = 300
	}
	return &Formatter{
		logger: logger.With("component", "formatter"),
		config: config,
	}
}

// Format renders matches into a prompt context block plus client-facing
// sources. Matches with no text are skipped; order is preserved otherwise.
// An empty result yields NoContextMarker and no sources.
func (f *Formatter) Format(matches []DocumentMatch) (string, []Source) {
	if len(matches) == 0 {
		return NoContextMarker, nil
	}

	var b strings.Builder
	sources := make([]Source, 0, len(matches))

	for _, m := range matches {
		if strings.TrimSpace(m.Metadata.Text) == "" {
			f.logger.Warn("skipping document with empty text", "id", m.ID)
			continue
		}

		bookName := m.Metadata.BookName
		if bookName == "" {
			bookName = "Unknown"
		}
		sectionTitle := m.Metadata.SectionTitle
		if sectionTitle == "" {
			sectionTitle = "Unknown"
		}

		snippet := f.truncate(m.Metadata.Text)

		fmt.Fprintf(&b, "Source Document [ID: %s]\n", m.ID)
		fmt.Fprintf(&b, "Book: %s\n", bookName)
		fmt.Fprintf(&b, "Section: %s\n", sectionTitle)
		fmt.Fprintf(&b, "Content: %s\n", snippet)
		b.WriteString("---\n")

		bookID := m.Metadata.BookID
		if bookID == "" {
			bookID = bookIDFromDocumentID(m.ID)
		}

		src := Source{
			DocumentID: m.ID,
			BookID:     bookID,
			BookName:   bookName,
			Title:      sectionTitle,
			Score:      m.Score,
			Content:    snippet,
		}
		if bookID != "" {
			src.URL = fmt.Sprintf("https://shamela.ws/book/%s", bookID)
		}
		sources = append(sources, src)
	}

	if len(sources) == 0 {
		return NoContextMarker, nil
	}

	return b.String(), sources
}

// truncate caps text at the configured snippet length, appending an ellipsis
// only when something was actually cut. The cap counts runes, not bytes; the
// corpus is Arabic and a byte cut would split a character.
func (f *Formatter) truncate(text string) string {
	if utf8.RuneCountInString(text) <= f.config.SnippetMaxLen {
		return text
	}
	return string([]rune(text)[:f.config.SnippetMaxLen]) + "..."
}

// bookIDFromDocumentID recovers a book id from document ids shaped like
// "<book_id>_<chunk>". Returns "" when the leading token is not numeric.
func bookIDFromDocumentID(id string) string {
	token, _, found := strings.Cut(id, "_")
	if !found {
		return ""
	}
	if _, err := strconv.Atoi(token); err != nil {
		return ""
	}
	return token
}
