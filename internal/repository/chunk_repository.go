package repository

import (
	"fmt"

	"gorm.io/gorm"

	"medreport-ai/internal/model"
)

type ChunkRepository struct {
	db *gorm.DB
}

func NewChunkRepository(db *gorm.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

func (r *ChunkRepository) CreateBatch(chunks []model.StoredChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := r.db.Create(&chunks).Error; err != nil {
		return fmt.Errorf("create chunk batch failed: %w", err)
	}
	return nil
}

func (r *ChunkRepository) ListByDocumentID(documentID string) ([]model.StoredChunk, error) {
	var chunks []model.StoredChunk
	if err := r.db.Where("document_id = ?", documentID).Order("ordinal").Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("list chunks by document failed: %w", err)
	}
	return chunks, nil
}

// Reset deletes every stored chunk as part of an explicit corpus reset.
func (r *ChunkRepository) Reset() error {
	if err := r.db.Where("1 = 1").Delete(&model.StoredChunk{}).Error; err != nil {
		return fmt.Errorf("reset chunks failed: %w", err)
	}
	return nil
}
