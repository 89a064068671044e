// Package model provides the data models shared by the sentinel-rag pipeline.
package model

import (
	"time"
)

// DocumentStatus is the ingestion state of a document.
type DocumentStatus string

// Document lifecycle: pending -> processing -> completed | failed.
const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s DocumentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Document represents an uploaded document and its ingestion progress.
type Document struct {
	ID              string         `json:"document_id" gorm:"primaryKey;type:varchar(64)"`
	Filename        string         `json:"filename" gorm:"type:varchar(255);not null"`
	SourcePath      string         `json:"source_path" gorm:"type:varchar(1024)"`
	SizeBytes       int64          `json:"size_bytes" gorm:"default:0"`
	ContentType     Format         `json:"content_type" gorm:"type:varchar(32)"`
	Hash            string         `json:"hash" gorm:"type:varchar(64);index"` // sha256 of the raw upload
	Status          DocumentStatus `json:"status" gorm:"type:varchar(16);index;not null;default:'pending'"`
	ChunkCount      int            `json:"chunk_count" gorm:"default:0"`
	ChunksProcessed int            `json:"chunks_processed" gorm:"default:0"`
	ErrorMessage    string         `json:"error_message,omitempty" gorm:"type:text"`
	CreatedAt       time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for Document.
func (Document) TableName() string {
	return "rag_documents"
}

// ProgressPercent returns chunks_processed / chunk_count as a percentage.
// A completed document always reports 100.
func (d *Document) ProgressPercent() float64 {
	if d.Status == StatusCompleted {
		return 100
	}
	if d.ChunkCount <= 0 {
		return 0
	}
	p := float64(d.ChunksProcessed) / float64(d.ChunkCount) * 100
	if p > 100 {
		p = 100
	}
	return p
}
