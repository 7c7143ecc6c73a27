package rag

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func testMatch(id, text string) DocumentMatch {
	return DocumentMatch{
		ID:    id,
		Score: 0.9,
		Metadata: DocumentMetadata{
			Text:         text,
			BookName:     "Riyad as-Salihin",
			SectionTitle: "On Sincerity",
			BookID:       "23",
		},
	}
}

func TestFormat_EmptyInputYieldsMarker(t *testing.T) {
	f := NewFormatter(nil, DefaultFormatterConfig())

	contextText, sources := f.Format(nil)

	if contextText != NoContextMarker {
		t.Errorf("expected marker %q, got %q", NoContextMarker, contextText)
	}
	if sources != nil {
		t.Errorf("expected nil sources, got %v", sources)
	}
}

func TestFormat_RendersContextBlock(t *testing.T) {
	f := NewFormatter(nil, DefaultFormatterConfig())

	contextText, sources := f.Format([]DocumentMatch{testMatch("23_101", "Actions are judged by intentions.")})

	want := "Source Document [ID: 23_101]\n" +
		"Book: Riyad as-Salihin\n" +
		"Section: On Sincerity\n" +
		"Content: Actions are judged by intentions.\n" +
		"---\n"
	if contextText != want {
		t.Errorf("unexpected context block:\n%q\nwant:\n%q", contextText, want)
	}

	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sources))
	}
	src := sources[0]
	if src.DocumentID != "23_101" {
		t.Errorf("unexpected document id %q", src.DocumentID)
	}
	if src.BookID != "23" {
		t.Errorf("unexpected book id %q", src.BookID)
	}
	if src.URL != "https://shamela.ws/book/23" {
		t.Errorf("unexpected url %q", src.URL)
	}
	if src.Title != "On Sincerity" {
		t.Errorf("unexpected title %q", src.Title)
	}
}

func TestFormat_UnknownDefaultsForMissingMetadata(t *testing.T) {
	f := NewFormatter(nil, DefaultFormatterConfig())

	contextText, sources := f.Format([]DocumentMatch{{
		ID:       "unlabeled_doc",
		Score:    0.5,
		Metadata: DocumentMetadata{Text: "some content"},
	}})

	if !strings.Contains(contextText, "Book: Unknown\n") {
		t.Error("expected Unknown book name in context")
	}
	if !strings.Contains(contextText, "Section: Unknown\n") {
		t.Error("expected Unknown section title in context")
	}
	if sources[0].URL != "" {
		t.Errorf("expected no url without a book id, got %q", sources[0].URL)
	}
}

func TestFormat_SkipsEmptyTextDocuments(t *testing.T) {
	f := NewFormatter(nil, DefaultFormatterConfig())

	contextText, sources := f.Format([]DocumentMatch{
		testMatch("23_1", "   "),
		testMatch("23_2", "real content"),
	})

	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sources))
	}
	if sources[0].DocumentID != "23_2" {
		t.Errorf("expected surviving source 23_2, got %s", sources[0].DocumentID)
	}
	if strings.Contains(contextText, "23_1") {
		t.Error("skipped document leaked into context")
	}
}

func TestFormat_AllSkippedYieldsMarker(t *testing.T) {
	f := NewFormatter(nil, DefaultFormatterConfig())

	contextText, sources := f.Format([]DocumentMatch{
		testMatch("23_1", ""),
		testMatch("23_2", "\t\n"),
	})

	if contextText != NoContextMarker {
		t.Errorf("expected marker, got %q", contextText)
	}
	if sources != nil {
		t.Errorf("expected nil sources, got %v", sources)
	}
}

func TestFormat_TruncatesLongText(t *testing.T) {
	f := NewFormatter(nil, DefaultFormatterConfig())
	long := strings.Repeat("a", 500)

	_, sources := f.Format([]DocumentMatch{testMatch("23_1", long)})

	snippet := sources[0].Content
	if len(snippet) != 303 {
		t.Errorf("expected snippet length 303, got %d", len(snippet))
	}
	if !strings.HasSuffix(snippet, "...") {
		t.Error("expected truncated snippet to end with ellipsis")
	}
}

func TestFormat_TruncatesArabicOnRuneBoundary(t *testing.T) {
	f := NewFormatter(nil, DefaultFormatterConfig())
	long := strings.Repeat("الزكاة ", 100) // 700 runes, multibyte

	_, sources := f.Format([]DocumentMatch{testMatch("1681_1", long)})

	snippet := sources[0].Content
	if !utf8.ValidString(snippet) {
		t.Fatalf("snippet is invalid UTF-8 after truncation: %q", snippet)
	}
	if got := utf8.RuneCountInString(snippet); got != 303 {
		t.Errorf("expected 300 runes plus ellipsis, got %d runes", got)
	}
	if !strings.HasSuffix(snippet, "...") {
		t.Error("expected truncated snippet to end with ellipsis")
	}
	if !strings.HasPrefix(snippet, string([]rune(long)[:300])) {
		t.Error("snippet should be the leading runes of the original text")
	}
}

func TestFormat_ShortTextUnchanged(t *testing.T) {
	f := NewFormatter(nil, DefaultFormatterConfig())
	exact := strings.Repeat("b", 300)

	_, sources := f.Format([]DocumentMatch{testMatch("23_1", exact)})

	if sources[0].Content != exact {
		t.Error("text at the limit should not be modified")
	}
}

func TestFormat_PreservesMatchOrder(t *testing.T) {
	f := NewFormatter(nil, DefaultFormatterConfig())

	_, sources := f.Format([]DocumentMatch{
		testMatch("23_3", "third book excerpt"),
		testMatch("23_1", "first book excerpt"),
		testMatch("23_2", "second book excerpt"),
	})

	got := []string{sources[0].DocumentID, sources[1].DocumentID, sources[2].DocumentID}
	want := []string{"23_3", "23_1", "23_2"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestBookIDFromDocumentID(t *testing.T) {
	cases := []struct {
		id   string
		want string
	}{
		{"1681_204", "1681"},
		{"1681_204_7", "1681"},
		{"book_204", ""},
		{"1681", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := bookIDFromDocumentID(tc.id); got != tc.want {
			t.Errorf("bookIDFromDocumentID(%q) = %q, want %q", tc.id, got, tc.want)
		}
	}
}
