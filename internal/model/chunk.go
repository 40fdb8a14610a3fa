package model

import (
	"encoding/json"
	"time"
)

// Chunk is one retrieval segment of a document. Start and End are byte
// offsets into the document's extracted text.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Ordinal    int    `json:"ordinal"`
	Text       string `json:"text"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
}

// StoredChunk mirrors a Chunk in MySQL for durability.
// Embedding is stored as a JSON array of float32 for portability.
type StoredChunk struct {
	ID         string    `gorm:"primaryKey;size:80" json:"id"`
	DocumentID string    `gorm:"size:36;not null;index" json:"document_id"`
	Ordinal    int       `gorm:"not null" json:"ordinal"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	Embedding  string    `gorm:"type:text" json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewStoredChunk builds the persistable form of a chunk and its vector.
func NewStoredChunk(ch Chunk, vec []float32) StoredChunk {
	sc := StoredChunk{
		ID:         ch.ID,
		DocumentID: ch.DocumentID,
		Ordinal:    ch.Ordinal,
		Content:    ch.Text,
	}
	sc.SetEmbedding(vec)
	return sc
}

// EmbeddingVector returns the parsed embedding slice; empty on parse error.
func (c *StoredChunk) EmbeddingVector() []float32 {
	if c.Embedding == "" {
		return nil
	}
	var v []float32
	_ = json.Unmarshal([]byte(c.Embedding), &v)
	return v
}

// SetEmbedding stores the embedding as JSON.
func (c *StoredChunk) SetEmbedding(vec []float32) {
	if len(vec) == 0 {
		c.Embedding = "[]"
		return
	}
	b, _ := json.Marshal(vec)
	c.Embedding = string(b)
}
