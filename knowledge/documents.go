package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DocumentInput carries a new document. ChunkSize/ChunkOverlap override the
// service chunk policy when positive.
type DocumentInput struct {
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	Source       string   `json:"source,omitempty"`
	Author       string   `json:"author,omitempty"`
	Category     string   `json:"category,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	ChunkSize    int      `json:"chunk_size,omitempty"`
	ChunkOverlap int      `json:"chunk_overlap,omitempty"`
}

// DocumentUpdate is a changeset with explicit present/absent semantics: a nil
// field is untouched, a pointer to the empty string clears an optional field.
type DocumentUpdate struct {
	Title        *string   `json:"title"`
	Content      *string   `json:"content"`
	Source       *string   `json:"source"`
	Author       *string   `json:"author"`
	Category     *string   `json:"category"`
	Tags         *[]string `json:"tags"`
	ChunkSize    int       `json:"chunk_size,omitempty"`
	ChunkOverlap int       `json:"chunk_overlap,omitempty"`
}

// CreateDocument ingests a document into a knowledge base: chunk, embed,
// index, then persist the record. The record is only written after every
// vector is in the index, and vectors inserted by this call are removed
// again if the record cannot be persisted, so no orphaned vectors survive a
// failed ingestion.
func (s *Service) CreateDocument(ctx context.Context, kbID, requesterID string, input DocumentInput) (*Document, error) {
	kb, collection, err := s.resolveCollection(ctx, kbID)
	if err != nil {
		return nil, err
	}
	if err := authorizeWrite(kb, requesterID); err != nil {
		return nil, err
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrConfiguration)
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrConfiguration)
	}

	doc := Document{
		ID:       uuid.NewString(),
		KBID:     kb.ID,
		Title:    title,
		Content:  content,
		Source:   optionalString(input.Source),
		Author:   optionalString(input.Author),
		Category: optionalString(input.Category),
		Tags:     tagsToJSON(input.Tags),
		Status:   documentStatusActive,
	}

	size, overlap := input.ChunkSize, input.ChunkOverlap
	if size == 0 && overlap == 0 {
		size, overlap = s.chunkSize, s.chunkOverlap
	}

	chunkIDs, err := s.indexContent(ctx, collection, &doc, size, overlap)
	if err != nil {
		return nil, err
	}

	doc.ChunkIDs, err = chunkIDsToJSON(chunkIDs)
	if err != nil {
		s.rollbackVectors(ctx, collection, chunkIDs)
		return nil, err
	}

	if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
		s.rollbackVectors(ctx, collection, chunkIDs)
		return nil, fmt.Errorf("%w: create document: %v", ErrStorage, err)
	}
	return &doc, nil
}

// UpdateDocument applies a changeset to an active document. A content change
// replaces the whole chunk set: old vectors are deleted before the new ones
// are inserted, so the index never serves both versions at once (a brief gap
// with no hits is accepted, stale hits are not). The record update is
// conditional on the fetched updated_at; a lost race rolls back any vectors
// this call inserted, restores the previous chunk set when the record still
// references it, and fails with ErrConflict. A storage failure on the record
// write restores the previous chunk set the same way. Returns whether any
// field actually changed.
func (s *Service) UpdateDocument(ctx context.Context, kbID, docID, requesterID string, changes DocumentUpdate) (bool, error) {
	kb, collection, err := s.resolveCollection(ctx, kbID)
	if err != nil {
		return false, err
	}
	if err := authorizeWrite(kb, requesterID); err != nil {
		return false, err
	}

	existing, err := s.fetchDocument(ctx, kb.ID, docID)
	if err != nil {
		return false, err
	}

	updates := map[string]interface{}{}

	if changes.Title != nil {
		title := strings.TrimSpace(*changes.Title)
		if title == "" {
			return false, fmt.Errorf("%w: title cannot be empty", ErrConfiguration)
		}
		if title != existing.Title {
			updates["title"] = title
		}
	}
	if changes.Source != nil && !sameOptional(optionalString(*changes.Source), existing.Source) {
		updates["source"] = optionalString(*changes.Source)
	}
	if changes.Author != nil && !sameOptional(optionalString(*changes.Author), existing.Author) {
		updates["author"] = optionalString(*changes.Author)
	}
	if changes.Category != nil && !sameOptional(optionalString(*changes.Category), existing.Category) {
		updates["category"] = optionalString(*changes.Category)
	}
	if changes.Tags != nil {
		if encoded := tagsToJSON(*changes.Tags); string(encoded) != string(existing.Tags) {
			updates["tags"] = encoded
		}
	}

	var newContent string
	contentChanged := false
	if changes.Content != nil {
		newContent = strings.TrimSpace(*changes.Content)
		if newContent == "" {
			return false, fmt.Errorf("%w: content cannot be empty", ErrConfiguration)
		}
		contentChanged = newContent != existing.Content
	}

	if len(updates) == 0 && !contentChanged {
		return false, nil
	}

	var newChunkIDs []string
	oldChunkIDs := parseChunkIDs(existing.ChunkIDs)
	if contentChanged {
		if err := s.vectors.Delete(ctx, collection, oldChunkIDs); err != nil {
			return false, fmt.Errorf("knowledge: remove stale vectors: %w", err)
		}

		reindexed := *existing
		reindexed.Content = newContent
		if title, ok := updates["title"].(string); ok {
			reindexed.Title = title
		}
		if changes.Source != nil {
			reindexed.Source = optionalString(*changes.Source)
		}
		if changes.Author != nil {
			reindexed.Author = optionalString(*changes.Author)
		}
		if changes.Category != nil {
			reindexed.Category = optionalString(*changes.Category)
		}
		if changes.Tags != nil {
			reindexed.Tags = tagsToJSON(*changes.Tags)
		}

		size, overlap := changes.ChunkSize, changes.ChunkOverlap
		if size == 0 && overlap == 0 {
			size, overlap = s.chunkSize, s.chunkOverlap
		}
		newChunkIDs, err = s.indexContent(ctx, collection, &reindexed, size, overlap)
		if err != nil {
			return false, err
		}

		encoded, err := chunkIDsToJSON(newChunkIDs)
		if err != nil {
			s.rollbackVectors(ctx, collection, newChunkIDs)
			return false, err
		}
		updates["content"] = newContent
		updates["chunk_ids"] = encoded
	}

	updates["updated_at"] = time.Now().UTC()

	// Conditional update: the fetched updated_at acts as the CAS token so a
	// concurrent writer is detected instead of silently overwritten.
	result := s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ? AND kb_id = ? AND updated_at = ?", existing.ID, kb.ID, existing.UpdatedAt).
		Updates(updates)
	if result.Error != nil {
		s.rollbackVectors(ctx, collection, newChunkIDs)
		if contentChanged {
			s.restoreVectors(ctx, collection, existing, oldChunkIDs)
		}
		return false, fmt.Errorf("%w: update document: %v", ErrStorage, result.Error)
	}
	if result.RowsAffected == 0 {
		s.rollbackVectors(ctx, collection, newChunkIDs)
		if contentChanged {
			// Restore only while the record still lists the old chunk set; a
			// racing content change owns the index from here on.
			if current, ferr := s.fetchDocument(ctx, kb.ID, docID); ferr == nil && string(current.ChunkIDs) == string(existing.ChunkIDs) {
				s.restoreVectors(ctx, collection, current, oldChunkIDs)
			}
		}
		return false, fmt.Errorf("%w: document %s was modified concurrently", ErrConflict, docID)
	}
	return true, nil
}

// DeleteDocument removes a document and its vectors. The record is marked
// deleted before the vectors drain, so readers stop seeing the document while
// its chunks are still being removed. Vector deletions are best-effort per
// id: failures are collected and reported alongside the outcome instead of
// aborting the record removal. The boolean reports whether the record itself
// was removed.
func (s *Service) DeleteDocument(ctx context.Context, kbID, docID, requesterID string) (bool, error) {
	kb, collection, err := s.resolveCollection(ctx, kbID)
	if err != nil {
		return false, err
	}
	if err := authorizeWrite(kb, requesterID); err != nil {
		return false, err
	}

	existing, err := s.fetchDocument(ctx, kb.ID, docID)
	if err != nil {
		return false, err
	}

	err = s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ? AND kb_id = ?", existing.ID, kb.ID).
		Update("status", documentStatusDeleted).Error
	if err != nil {
		return false, fmt.Errorf("%w: mark document deleted: %v", ErrStorage, err)
	}

	var vectorErrs []error
	for _, id := range parseChunkIDs(existing.ChunkIDs) {
		if err := s.vectors.Delete(ctx, collection, []string{id}); err != nil {
			vectorErrs = append(vectorErrs, fmt.Errorf("vector %s: %w", id, err))
		}
	}

	result := s.db.WithContext(ctx).
		Where("id = ? AND kb_id = ?", existing.ID, kb.ID).
		Delete(&Document{})
	if result.Error != nil {
		vectorErrs = append(vectorErrs, fmt.Errorf("%w: delete document: %v", ErrStorage, result.Error))
		return false, errors.Join(vectorErrs...)
	}
	return result.RowsAffected > 0, errors.Join(vectorErrs...)
}

// GetDocument loads a single document, enforcing read access on its base.
func (s *Service) GetDocument(ctx context.Context, kbID, docID, requesterID, accessCode string) (*Document, error) {
	kb, err := s.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return nil, err
	}
	if err := authorizeRead(kb, requesterID, accessCode); err != nil {
		return nil, err
	}
	return s.fetchDocument(ctx, kb.ID, docID)
}

// ListDocuments returns the documents of a base, newest first, without the
// full content bodies.
func (s *Service) ListDocuments(ctx context.Context, kbID, requesterID, accessCode string) ([]Document, error) {
	kb, err := s.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return nil, err
	}
	if err := authorizeRead(kb, requesterID, accessCode); err != nil {
		return nil, err
	}

	var docs []Document
	err = s.db.WithContext(ctx).
		Select("id", "kb_id", "title", "source", "author", "category", "tags", "status", "created_at", "updated_at").
		Where("kb_id = ? AND status = ?", kb.ID, documentStatusActive).
		Order("updated_at DESC").
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("%w: list documents: %v", ErrStorage, err)
	}
	return docs, nil
}

func (s *Service) fetchDocument(ctx context.Context, kbID, docID string) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).
		Where("id = ? AND kb_id = ? AND status = ?", strings.TrimSpace(docID), kbID, documentStatusActive).
		Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, docID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load document: %v", ErrStorage, err)
	}
	return &doc, nil
}

// indexContent chunks and embeds the document content, then inserts the
// resulting points as one batch. Returned ids are in chunk order. On upsert
// failure any partially inserted points are removed before the error
// surfaces.
func (s *Service) indexContent(ctx context.Context, collection string, doc *Document, chunkSize, chunkOverlap int) ([]string, error) {
	chunks, err := splitText(doc.Content, chunkSize, chunkOverlap)
	if err != nil {
		return nil, err
	}

	embeddings, err := s.embedder.Embed(ctx, chunks)
	if err != nil {
		return nil, err
	}
	if len(embeddings) != len(chunks) {
		return nil, fmt.Errorf("%w: embedding count mismatch (expected %d, got %d)", ErrEmbedding, len(chunks), len(embeddings))
	}

	ids := make([]string, len(chunks))
	for i := range ids {
		ids[i] = uuid.NewString()
	}

	if err := s.vectors.Upsert(ctx, collection, buildPoints(doc, chunks, embeddings, ids)); err != nil {
		s.rollbackVectors(ctx, collection, ids)
		return nil, fmt.Errorf("knowledge: index chunks: %w", err)
	}
	return ids, nil
}

// buildPoints assembles the index points for a document's chunks, one point
// per chunk under the given id.
func buildPoints(doc *Document, chunks []string, embeddings [][]float32, ids []string) []VectorPoint {
	now := time.Now().UTC()
	tags := parseTags(doc.Tags)
	points := make([]VectorPoint, len(chunks))
	for i, chunk := range chunks {
		payload := map[string]interface{}{
			"kb_id":       doc.KBID,
			"document_id": doc.ID,
			"title":       doc.Title,
			"text":        chunk,
			"chunk_index": i,
			"created_at":  now.Format(time.RFC3339),
		}
		if doc.Source != nil {
			payload["source"] = *doc.Source
		}
		if doc.Author != nil {
			payload["author"] = *doc.Author
		}
		if doc.Category != nil {
			payload["category"] = *doc.Category
		}
		if len(tags) > 0 {
			payload["tags"] = tags
		}
		points[i] = VectorPoint{ID: ids[i], Vector: embeddings[i], Payload: payload}
	}
	return points
}

// restoreVectors re-embeds a document's stored content and re-inserts its
// chunks under their original ids after a failed content swap. Restoration
// requires the service chunk policy to reproduce the stored id count; when it
// does not, the record keeps referencing missing vectors until the next
// successful content update.
func (s *Service) restoreVectors(ctx context.Context, collection string, doc *Document, ids []string) {
	if len(ids) == 0 {
		return
	}
	chunks, err := splitText(doc.Content, s.chunkSize, s.chunkOverlap)
	if err != nil || len(chunks) != len(ids) {
		log.Printf("knowledge: cannot restore %d chunk vectors for document %s, heals on the next content update", len(ids), doc.ID)
		return
	}
	embeddings, err := s.embedder.Embed(ctx, chunks)
	if err != nil || len(embeddings) != len(chunks) {
		log.Printf("knowledge: re-embed during restore of document %s failed: %v", doc.ID, err)
		return
	}
	if err := s.vectors.Upsert(ctx, collection, buildPoints(doc, chunks, embeddings, ids)); err != nil {
		log.Printf("knowledge: restore of %d vectors for document %s failed: %v", len(ids), doc.ID, err)
	}
}

func sameOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// rollbackVectors is the compensating delete for a failed write path.
// Delete-by-id is idempotent at the index, so removing ids that were never
// inserted is harmless.
func (s *Service) rollbackVectors(ctx context.Context, collection string, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := s.vectors.Delete(ctx, collection, ids); err != nil {
		log.Printf("knowledge: rollback of %d vectors in %s failed: %v", len(ids), collection, err)
	}
}
