package model

// Format identifies how a document is split.
type Format string

const (
	FormatText     Format = "text"
	FormatCSV      Format = "csv"
	FormatTSV      Format = "tsv"
	FormatMarkdown Format = "markdown"
)

// Tabular reports whether the format is delimited rows.
func (f Format) Tabular() bool {
	return f == FormatCSV || f == FormatTSV
}

// Position is a byte range [Start, End) in the normalized document text.
type Position struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ChunkMetadata describes where a chunk came from.
type ChunkMetadata struct {
	Format      Format            `json:"format"`
	Position    Position          `json:"position"`
	Overlap     int               `json:"overlap"`
	HeadingPath []string          `json:"heading_path,omitempty"`
	RowStart    int               `json:"row_start,omitempty"`
	RowEnd      int               `json:"row_end,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Chunk is a contiguous piece of a document used as the retrieval unit.
type Chunk struct {
	ID         string        `json:"chunk_id"`
	DocumentID string        `json:"document_id"`
	Index      int           `json:"chunk_index"`
	Text       string        `json:"text"`
	CharCount  int           `json:"char_count"`
	WordCount  int           `json:"word_count"`
	Metadata   ChunkMetadata `json:"metadata"`
}
