package biz

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-rag/internal/model"
	"github.com/kart-io/sentinel-rag/pkg/errors"
)

func newTestChunker(t *testing.T, size, overlap int, unit string) *Chunker {
	t.Helper()
	c, err := NewChunker(ChunkerConfig{ChunkSize: size, ChunkOverlap: overlap, Unit: unit}, pairSpanner{})
	require.NoError(t, err)
	return c
}

func textDoc(id string, format model.Format) *model.Document {
	return &model.Document{ID: id, Filename: id, ContentType: format}
}

// pairSpanner 把每两个字节视为一个 token。
type pairSpanner struct{}

func (pairSpanner) Spans(text string) [][2]int {
	var spans [][2]int
	for i := 0; i < len(text); i += 2 {
		spans = append(spans, [2]int{i, min(i+2, len(text))})
	}
	return spans
}

func TestNewChunkerRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  ChunkerConfig
	}{
		{"zero size", ChunkerConfig{ChunkSize: 0}},
		{"negative overlap", ChunkerConfig{ChunkSize: 10, ChunkOverlap: -1}},
		{"overlap equals size", ChunkerConfig{ChunkSize: 10, ChunkOverlap: 10}},
		{"unknown unit", ChunkerConfig{ChunkSize: 10, Unit: "lines"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChunker(tt.cfg, nil)
			assert.True(t, errors.IsValidation(err))
		})
	}

	_, err := NewChunker(ChunkerConfig{ChunkSize: 10, Unit: UnitTokens}, nil)
	assert.True(t, errors.IsValidation(err), "tokens unit needs a tokenizer")
}

func TestChunkSlidingWindowWords(t *testing.T) {
	c := newTestChunker(t, 100, 20, UnitWords)
	text := sentences(250)

	chunks, err := c.Chunk(textDoc("doc", model.FormatText), text)
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	wantWords := []int{96, 92, 92, 30}
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Equal(t, ChunkID("doc", i), ch.ID)
		assert.Equal(t, "doc", ch.DocumentID)
		assert.LessOrEqual(t, ch.WordCount, 100)
		assert.Equal(t, wantWords[i], ch.WordCount, "chunk %d", i)
		assert.Equal(t, text[ch.Metadata.Position.Start:ch.Metadata.Position.End], ch.Text)
	}

	// 分块在句子边界结束
	for _, ch := range chunks[:3] {
		assert.True(t, strings.HasSuffix(strings.TrimSpace(ch.Text), "."), "chunk %d should end on a sentence", ch.Index)
	}

	// 相邻分块共享 20 个词
	for i := 1; i < len(chunks); i++ {
		prev := strings.Fields(chunks[i-1].Text)
		cur := strings.Fields(chunks[i].Text)
		assert.Equal(t, 20, chunks[i].Metadata.Overlap)
		assert.Equal(t, prev[len(prev)-20:], cur[:20])
	}
	assert.Equal(t, 0, chunks[0].Metadata.Overlap)
}

func TestChunkCoversWholeText(t *testing.T) {
	c := newTestChunker(t, 40, 8, UnitWords)
	text := sentences(300) + "\n\nA final paragraph that closes the document."

	chunks, err := c.Chunk(textDoc("doc", model.FormatText), text)
	require.NoError(t, err)

	assert.Equal(t, 0, chunks[0].Metadata.Position.Start)
	assert.Equal(t, len(text), chunks[len(chunks)-1].Metadata.Position.End)
	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1].Metadata.Position, chunks[i].Metadata.Position
		assert.Less(t, prev.Start, cur.Start, "chunks advance")
		assert.LessOrEqual(t, cur.Start, prev.End, "no gaps between chunks")
	}
}

func TestChunkShortDocumentIsSingleChunk(t *testing.T) {
	c := newTestChunker(t, 100, 20, UnitWords)

	chunks, err := c.Chunk(textDoc("short", model.FormatText), "\uFEFF  Hello world.\r\n")
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	assert.Equal(t, "Hello world.", chunks[0].Text)
	assert.Equal(t, model.Position{Start: 0, End: 12}, chunks[0].Metadata.Position)
	assert.Equal(t, 0, chunks[0].Metadata.Overlap)
	assert.Equal(t, 2, chunks[0].WordCount)
	assert.Equal(t, 12, chunks[0].CharCount)
}

func TestChunkEmptyDocument(t *testing.T) {
	c := newTestChunker(t, 100, 20, UnitWords)

	for _, content := range []string{"", "   \n\t ", "\uFEFF"} {
		_, err := c.Chunk(textDoc("empty", model.FormatText), content)
		assert.True(t, errors.Is(err, errors.ErrEmptyDocument), "content %q", content)
	}
}

func TestChunkCharsUnit(t *testing.T) {
	c := newTestChunker(t, 4, 1, UnitChars)

	chunks, err := c.Chunk(textDoc("chars", model.FormatText), "abcdefghij")
	require.NoError(t, err)

	var texts []string
	for _, ch := range chunks {
		texts = append(texts, ch.Text)
	}
	assert.Equal(t, []string{"abcd", "defg", "ghij"}, texts)
}

func TestChunkTokensUnit(t *testing.T) {
	c := newTestChunker(t, 3, 1, UnitTokens)

	chunks, err := c.Chunk(textDoc("tokens", model.FormatText), "aabbccddee")
	require.NoError(t, err)

	var texts []string
	for _, ch := range chunks {
		texts = append(texts, ch.Text)
	}
	assert.Equal(t, []string{"aabbcc", "ccddee"}, texts)
}

func TestChunkCSVRepeatsHeader(t *testing.T) {
	c := newTestChunker(t, 10, 2, UnitWords)

	var b strings.Builder
	b.WriteString("id,full name,score\n")
	for i := 1; i <= 10; i++ {
		b.WriteString(strings.Join([]string{"r" + string(rune('0'+i%10)), "first last", "90"}, ","))
		b.WriteString("\n")
	}

	chunks, err := c.Chunk(textDoc("table.csv", model.FormatCSV), b.String())
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	wantRows := [][2]int{{1, 4}, {5, 8}, {9, 10}}
	for i, ch := range chunks {
		assert.True(t, strings.HasPrefix(ch.Text, "id,full name,score\n"), "chunk %d carries the header", i)
		assert.Equal(t, wantRows[i][0], ch.Metadata.RowStart)
		assert.Equal(t, wantRows[i][1], ch.Metadata.RowEnd)
		assert.Equal(t, 0, ch.Metadata.Overlap)
		assert.Equal(t, model.FormatCSV, ch.Metadata.Format)
		// 行不会被拆开
		for _, line := range strings.Split(strings.TrimSpace(ch.Text), "\n")[1:] {
			assert.Len(t, strings.Split(line, ","), 3)
		}
	}
}

func TestChunkTSVHeaderOnly(t *testing.T) {
	c := newTestChunker(t, 10, 2, UnitWords)

	chunks, err := c.Chunk(textDoc("t.tsv", model.FormatTSV), "a\tb\tc\n")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "a\tb\tc", chunks[0].Text)
}

func TestChunkMarkdownHeadingPath(t *testing.T) {
	c := newTestChunker(t, 10, 2, UnitWords)
	text := "# Guide\n\nThis guide explains setup.\n\n" +
		"## Install\n\nRun the installer and follow prompts.\n\n" +
		"### Linux\n\nUse the package manager on Linux.\n\n" +
		"## Usage\n\n```\n# comment\n```\nStart."

	chunks, err := c.Chunk(textDoc("guide.md", model.FormatMarkdown), text)
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	wantPaths := [][]string{
		{"Guide"},
		{"Guide", "Install"},
		{"Guide", "Install", "Linux"},
		{"Guide", "Usage"},
	}
	for i, ch := range chunks {
		assert.Equal(t, wantPaths[i], ch.Metadata.HeadingPath, "chunk %d", i)
		assert.Equal(t, text[ch.Metadata.Position.Start:ch.Metadata.Position.End], ch.Text)
	}
	assert.Contains(t, chunks[3].Text, "# comment")
}

func TestChunkSmallMarkdownStaysWhole(t *testing.T) {
	c := newTestChunker(t, 100, 20, UnitWords)
	text := "# Title\n\nShort intro.\n\n## Part\n\nShort body."

	chunks, err := c.Chunk(textDoc("small.md", model.FormatMarkdown), text)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, []string{"Title"}, chunks[0].Metadata.HeadingPath)
}

func TestDetectFormat(t *testing.T) {
	tests := map[string]model.Format{
		"notes.txt":   model.FormatText,
		"README":      model.FormatText,
		"data.CSV":    model.FormatCSV,
		"data.tsv":    model.FormatTSV,
		"guide.md":    model.FormatMarkdown,
		"a.markdown":  model.FormatMarkdown,
		"server.log":  model.FormatText,
		"dir/file.md": model.FormatMarkdown,
	}
	for name, want := range tests {
		got, err := DetectFormat(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := DetectFormat("report.pdf")
	assert.True(t, errors.Is(err, errors.ErrUnsupportedFormat))
	assert.False(t, SupportedFormat("image.png"))
}

func TestChunkIDOrdering(t *testing.T) {
	assert.Equal(t, "doc-000007", ChunkID("doc", 7))
	assert.Less(t, ChunkID("doc", 9), ChunkID("doc", 10))
}
