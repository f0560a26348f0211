package knowledge

import (
	"time"

	"gorm.io/datatypes"
)

// KnowledgeBase is the durable record of a named document collection. Exactly
// one vector collection is bound to it for its whole lifetime; the binding is
// derived from the ID (see collectionName) and provisioned at creation.
type KnowledgeBase struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	Name           string    `gorm:"size:200;not null" json:"name"`
	Description    string    `gorm:"size:1000" json:"description"`
	OwnerID        string    `gorm:"size:64;not null;index" json:"owner_id"`
	IsPublic       bool      `gorm:"not null;default:false" json:"is_public"`
	AccessCodeHash *string   `gorm:"size:128" json:"-"`
	EmbeddingModel string    `gorm:"size:128;not null" json:"embedding_model"`
	VectorDim      int       `gorm:"not null;default:0" json:"vector_dim"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (KnowledgeBase) TableName() string {
	return "knowledge_bases"
}

const (
	documentStatusActive  = "active"
	documentStatusDeleted = "deleted"
)

// Document is the system of record for one ingested text. ChunkIDs holds the
// ordered vector identifiers currently indexed for Content; every content
// change replaces that set as a whole. The payload of each vector carries the
// owning document id, so the document/chunk reference is bidirectional.
type Document struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	KBID      string         `gorm:"column:kb_id;size:36;not null;index:idx_kb_document" json:"kb_id"`
	Title     string         `gorm:"size:200;not null" json:"title"`
	Content   string         `gorm:"type:mediumtext;not null" json:"content"`
	Source    *string        `gorm:"size:255" json:"source,omitempty"`
	Author    *string        `gorm:"size:128" json:"author,omitempty"`
	Category  *string        `gorm:"size:64;index" json:"category,omitempty"`
	Tags      datatypes.JSON `gorm:"type:json" json:"tags,omitempty"`
	ChunkIDs  datatypes.JSON `gorm:"column:chunk_ids;type:json" json:"chunk_ids,omitempty"`
	Status    string         `gorm:"size:16;not null;default:'active'" json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (Document) TableName() string {
	return "knowledge_documents"
}
