package model

import "time"

// Document is one ingested medical report. The raw extracted text is kept so
// the corpus can be rebuilt if the vector index file is lost.
type Document struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Filename    string    `gorm:"size:256;not null" json:"filename"`
	ContentHash string    `gorm:"size:64;index" json:"-"`
	Text        string    `gorm:"type:longtext" json:"-"`
	ChunkCount  int       `json:"chunk_count"`
	CreatedAt   time.Time `json:"created_at"`
}
