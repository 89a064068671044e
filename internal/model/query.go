package model

// RAGQuery is a validated question against the index.
type RAGQuery struct {
	Query            string   `json:"query" validate:"required,notblank,max=4096"`
	TopK             int      `json:"top_k" validate:"gte=1,lte=100"`
	ScoreThreshold   float64  `json:"score_threshold" validate:"gte=0,lte=1"`
	DocumentIDs      []string `json:"document_ids,omitempty" validate:"omitempty,max=100,dive,required,documentid"`
	MaxContextLength int      `json:"max_context_length" validate:"gte=1"`
}

// Source is a retrieved chunk cited by an answer.
type Source struct {
	ChunkID        string  `json:"chunk_id"`
	DocumentID     string  `json:"document_id"`
	Filename       string  `json:"filename"`
	ChunkIndex     int     `json:"chunk_index"`
	RelevanceScore float64 `json:"relevance_score"`
	ContentPreview string  `json:"content_preview"`
	InContext      bool    `json:"in_context"`
}

// RAGResponse is the answer to a RAGQuery.
type RAGResponse struct {
	Answer       string   `json:"answer"`
	Sources      []Source `json:"sources"`
	ResponseTime float64  `json:"response_time"` // seconds
	ContextUsed  int      `json:"context_used"`  // sources placed in the prompt
	NoResults    bool     `json:"no_results"`
	Degraded     bool     `json:"degraded"`
	Cached       bool     `json:"cached"`
}
