package repository

import (
	"fmt"

	"gorm.io/gorm"

	"medreport-ai/internal/model"
)

type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Create(doc *model.Document) error {
	if err := r.db.Create(doc).Error; err != nil {
		return fmt.Errorf("create document failed: %w", err)
	}
	return nil
}

func (r *DocumentRepository) List() ([]model.Document, error) {
	var docs []model.Document
	if err := r.db.Order("created_at desc").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("list documents failed: %w", err)
	}
	return docs, nil
}

// FindByHash returns the document with the given content hash, or nil when
// none exists. Used by the dedup ingestion policy.
func (r *DocumentRepository) FindByHash(hash string) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("content_hash = ?", hash).First(&doc).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find document by hash failed: %w", err)
	}
	return &doc, nil
}

// Reset deletes every document as part of an explicit corpus reset.
func (r *DocumentRepository) Reset() error {
	if err := r.db.Where("1 = 1").Delete(&model.Document{}).Error; err != nil {
		return fmt.Errorf("reset documents failed: %w", err)
	}
	return nil
}
