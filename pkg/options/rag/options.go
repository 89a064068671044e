// Package rag provides RAG (Retrieval-Augmented Generation) configuration options.
package rag

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/kart-io/sentinel-rag/pkg/options"
)

var _ options.IOptions = (*Options)(nil)

// Chunk size units.
const (
	UnitWords  = "words"
	UnitChars  = "chars"
	UnitTokens = "tokens"
)

// Vector index backends.
const (
	BackendMemory   = "memory"
	BackendMilvus   = "milvus"
	BackendPGVector = "pgvector"
)

// Options contains RAG-specific configuration.
type Options struct {
	// ChunkSize is the target chunk length measured in ChunkUnit.
	ChunkSize int `json:"chunk-size" mapstructure:"chunk-size"`

	// ChunkOverlap is the overlap between consecutive chunks, in ChunkUnit.
	ChunkOverlap int `json:"chunk-overlap" mapstructure:"chunk-overlap"`

	// ChunkUnit is the unit of ChunkSize and ChunkOverlap (words, chars, tokens).
	ChunkUnit string `json:"chunk-unit" mapstructure:"chunk-unit"`

	// TopK is the default number of results to return from similarity search.
	TopK int `json:"top-k" mapstructure:"top-k"`

	// ScoreThreshold is the default minimum similarity score in [0, 1].
	ScoreThreshold float64 `json:"score-threshold" mapstructure:"score-threshold"`

	// MaxContextLength bounds the assembled context, in characters.
	MaxContextLength int `json:"max-context-length" mapstructure:"max-context-length"`

	// Backend selects the vector index implementation.
	Backend string `json:"backend" mapstructure:"backend"`

	// Collection is the name of the vector collection or table.
	Collection string `json:"collection" mapstructure:"collection"`

	// EmbeddingDim is the dimension of embedding vectors.
	EmbeddingDim int `json:"embedding-dim" mapstructure:"embedding-dim"`

	// EmbeddingBatchSize is the number of texts per embedding request.
	EmbeddingBatchSize int `json:"embedding-batch-size" mapstructure:"embedding-batch-size"`

	// MaxTextLength is the longest text, in characters, accepted by the embedder.
	MaxTextLength int `json:"max-text-length" mapstructure:"max-text-length"`

	// GenerationRetries is the number of generation attempts before giving up.
	GenerationRetries int `json:"generation-retries" mapstructure:"generation-retries"`

	// GenerationBackoff is the initial backoff between generation attempts.
	GenerationBackoff time.Duration `json:"generation-backoff" mapstructure:"generation-backoff"`

	// QueryTimeout bounds a single query end to end.
	QueryTimeout time.Duration `json:"query-timeout" mapstructure:"query-timeout"`

	// MaxUploadBytes is the largest accepted upload.
	MaxUploadBytes int64 `json:"max-upload-bytes" mapstructure:"max-upload-bytes"`

	// IngestWorkers is the number of documents ingested concurrently.
	IngestWorkers int `json:"ingest-workers" mapstructure:"ingest-workers"`

	// DataDir is the directory for storing uploaded documents.
	DataDir string `json:"data-dir" mapstructure:"data-dir"`

	// WatchDir is an optional drop directory that is ingested automatically.
	WatchDir string `json:"watch-dir" mapstructure:"watch-dir"`

	// SystemPrompt is sent as the system message of every generation.
	SystemPrompt string `json:"system-prompt" mapstructure:"system-prompt"`

	// PromptTemplate is the user prompt with {{context}} and {{question}}
	// placeholders. Empty uses the built-in template.
	PromptTemplate string `json:"prompt-template" mapstructure:"prompt-template"`

	// WatchDebounce merges bursts of write events on the same file.
	WatchDebounce time.Duration `json:"watch-debounce" mapstructure:"watch-debounce"`
}

// DefaultSystemPrompt is the default system prompt for RAG queries.
const DefaultSystemPrompt = `You are a helpful assistant that answers questions based on the provided context.
If you cannot find the answer in the context, say so.
Always cite the source documents by their [n] marker when providing information.`

// NewOptions creates new Options with defaults.
func NewOptions() *Options {
	return &Options{
		ChunkSize:          512,
		ChunkOverlap:       50,
		ChunkUnit:          UnitWords,
		TopK:               5,
		ScoreThreshold:     0.3,
		MaxContextLength:   4000,
		Backend:            BackendMemory,
		Collection:         "rag_chunks",
		EmbeddingDim:       768, // nomic-embed-text dimension
		EmbeddingBatchSize: 32,
		MaxTextLength:      8192,
		GenerationRetries:  3,
		GenerationBackoff:  500 * time.Millisecond,
		QueryTimeout:       60 * time.Second,
		MaxUploadBytes:     32 << 20,
		IngestWorkers:      4,
		DataDir:            "_output/rag-data",
		SystemPrompt:       DefaultSystemPrompt,
		WatchDebounce:      500 * time.Millisecond,
	}
}

// AddFlags adds flags for RAG options to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Section("rag", prefixes...)
	fs.IntVar(&o.ChunkSize, p+"chunk-size", o.ChunkSize, "Target chunk length, measured in chunk-unit.")
	fs.IntVar(&o.ChunkOverlap, p+"chunk-overlap", o.ChunkOverlap, "Overlap between consecutive chunks.")
	fs.StringVar(&o.ChunkUnit, p+"chunk-unit", o.ChunkUnit, "Chunk size unit (words, chars, tokens).")
	fs.IntVar(&o.TopK, p+"top-k", o.TopK, "Default number of results from similarity search.")
	fs.Float64Var(&o.ScoreThreshold, p+"score-threshold", o.ScoreThreshold, "Default minimum similarity score.")
	fs.IntVar(&o.MaxContextLength, p+"max-context-length", o.MaxContextLength, "Maximum assembled context length in characters.")
	fs.StringVar(&o.Backend, p+"backend", o.Backend, "Vector index backend (memory, milvus, pgvector).")
	fs.StringVar(&o.Collection, p+"collection", o.Collection, "Vector collection name.")
	fs.IntVar(&o.EmbeddingDim, p+"embedding-dim", o.EmbeddingDim, "Embedding vector dimension.")
	fs.IntVar(&o.EmbeddingBatchSize, p+"embedding-batch-size", o.EmbeddingBatchSize, "Texts per embedding request.")
	fs.IntVar(&o.MaxTextLength, p+"max-text-length", o.MaxTextLength, "Longest text accepted by the embedder.")
	fs.IntVar(&o.GenerationRetries, p+"generation-retries", o.GenerationRetries, "Generation attempts before giving up.")
	fs.DurationVar(&o.GenerationBackoff, p+"generation-backoff", o.GenerationBackoff, "Initial backoff between generation attempts.")
	fs.DurationVar(&o.QueryTimeout, p+"query-timeout", o.QueryTimeout, "Timeout for a single query.")
	fs.Int64Var(&o.MaxUploadBytes, p+"max-upload-bytes", o.MaxUploadBytes, "Largest accepted upload in bytes.")
	fs.IntVar(&o.IngestWorkers, p+"ingest-workers", o.IngestWorkers, "Documents ingested concurrently.")
	fs.StringVar(&o.DataDir, p+"data-dir", o.DataDir, "Directory for storing documents.")
	fs.StringVar(&o.WatchDir, p+"watch-dir", o.WatchDir, "Directory watched for new documents (disabled when empty).")
	fs.DurationVar(&o.WatchDebounce, p+"watch-debounce", o.WatchDebounce, "Debounce window for watched file events.")
	fs.StringVar(&o.SystemPrompt, p+"system-prompt", o.SystemPrompt, "System prompt sent with every generation.")
	fs.StringVar(&o.PromptTemplate, p+"prompt-template", o.PromptTemplate, "User prompt template with {{context}} and {{question}} placeholders.")
}

// Validate validates the RAG options.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	if o.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk-size must be positive"))
	}
	if o.ChunkOverlap < 0 || o.ChunkOverlap >= o.ChunkSize {
		errs = append(errs, fmt.Errorf("chunk-overlap must be in [0, chunk-size), got %d", o.ChunkOverlap))
	}
	switch o.ChunkUnit {
	case UnitWords, UnitChars, UnitTokens:
	default:
		errs = append(errs, fmt.Errorf("unsupported chunk-unit %q", o.ChunkUnit))
	}
	if o.TopK <= 0 {
		errs = append(errs, fmt.Errorf("top-k must be positive"))
	}
	if o.ScoreThreshold < 0 || o.ScoreThreshold > 1 {
		errs = append(errs, fmt.Errorf("score-threshold must be in [0, 1], got %v", o.ScoreThreshold))
	}
	if o.MaxContextLength <= 0 {
		errs = append(errs, fmt.Errorf("max-context-length must be positive"))
	}
	switch o.Backend {
	case BackendMemory, BackendMilvus, BackendPGVector:
	default:
		errs = append(errs, fmt.Errorf("unsupported backend %q", o.Backend))
	}
	if o.EmbeddingDim <= 0 {
		errs = append(errs, fmt.Errorf("embedding-dim must be positive"))
	}
	if o.EmbeddingBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("embedding-batch-size must be positive"))
	}
	if o.GenerationRetries <= 0 {
		errs = append(errs, fmt.Errorf("generation-retries must be positive"))
	}
	if o.IngestWorkers <= 0 {
		errs = append(errs, fmt.Errorf("ingest-workers must be positive"))
	}
	if o.PromptTemplate != "" &&
		(!strings.Contains(o.PromptTemplate, "{{context}}") || !strings.Contains(o.PromptTemplate, "{{question}}")) {
		errs = append(errs, fmt.Errorf("prompt-template must contain {{context}} and {{question}}"))
	}
	return errs
}

// Complete completes the RAG options with defaults.
func (o *Options) Complete() error {
	if o.SystemPrompt == "" {
		o.SystemPrompt = DefaultSystemPrompt
	}
	if o.ChunkUnit == "" {
		o.ChunkUnit = UnitWords
	}
	if o.Backend == "" {
		o.Backend = BackendMemory
	}
	return nil
}
