package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// KnowledgeBaseInput carries the fields needed to create a knowledge base.
// AccessCode, when set, protects a private base: only its bcrypt hash is
// ever stored.
type KnowledgeBaseInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	OwnerID     string `json:"owner_id"`
	IsPublic    bool   `json:"is_public"`
	AccessCode  string `json:"access_code,omitempty"`
}

// CreateKnowledgeBase persists a knowledge base record and provisions its
// vector collection as one unit: the collection is created first and the
// record insert is compensated by dropping the collection if it fails, so a
// record never references a missing collection.
func (s *Service) CreateKnowledgeBase(ctx context.Context, input KnowledgeBaseInput) (*KnowledgeBase, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrConfiguration)
	}
	owner := strings.TrimSpace(input.OwnerID)
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrConfiguration)
	}

	kb := KnowledgeBase{
		ID:             uuid.NewString(),
		Name:           name,
		Description:    strings.TrimSpace(input.Description),
		OwnerID:        owner,
		IsPublic:       input.IsPublic,
		EmbeddingModel: s.embedder.Model(),
		VectorDim:      s.embedder.Dimensions(),
	}

	if code := strings.TrimSpace(input.AccessCode); code != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("knowledge: hash access code: %w", err)
		}
		hashed := string(hash)
		kb.AccessCodeHash = &hashed
	}

	collection := collectionName(kb.ID)
	if err := s.vectors.CreateCollection(ctx, collection, kb.VectorDim); err != nil {
		return nil, fmt.Errorf("knowledge: provision collection: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(&kb).Error; err != nil {
		if cleanupErr := s.vectors.DeleteCollection(ctx, collection); cleanupErr != nil {
			log.Printf("knowledge: drop collection %s after failed create: %v", collection, cleanupErr)
		}
		return nil, fmt.Errorf("%w: create knowledge base: %v", ErrStorage, err)
	}

	return &kb, nil
}

// GetKnowledgeBase loads a knowledge base by id.
func (s *Service) GetKnowledgeBase(ctx context.Context, kbID string) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(kbID)).Take(&kb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: knowledge base %s", ErrNotFound, kbID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load knowledge base: %v", ErrStorage, err)
	}
	return &kb, nil
}

// ListKnowledgeBases returns the bases readable by the requester: their own
// plus every public one.
func (s *Service) ListKnowledgeBases(ctx context.Context, requesterID string) ([]KnowledgeBase, error) {
	var bases []KnowledgeBase
	query := s.db.WithContext(ctx).Order("updated_at DESC")
	if requester := strings.TrimSpace(requesterID); requester != "" {
		query = query.Where("is_public = ? OR owner_id = ?", true, requester)
	} else {
		query = query.Where("is_public = ?", true)
	}
	if err := query.Find(&bases).Error; err != nil {
		return nil, fmt.Errorf("%w: list knowledge bases: %v", ErrStorage, err)
	}
	return bases, nil
}

// DescribeKnowledgeBase loads a knowledge base for an external caller,
// enforcing read access first.
func (s *Service) DescribeKnowledgeBase(ctx context.Context, kbID, requesterID, accessCode string) (*KnowledgeBase, error) {
	kb, err := s.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return nil, err
	}
	if err := authorizeRead(kb, requesterID, accessCode); err != nil {
		return nil, err
	}
	return kb, nil
}

// resolveCollection maps a knowledge base id to its bound vector collection,
// verifying the base exists first.
func (s *Service) resolveCollection(ctx context.Context, kbID string) (*KnowledgeBase, string, error) {
	kb, err := s.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return nil, "", err
	}
	return kb, collectionName(kb.ID), nil
}

// authorizeRead decides whether the requester may query the base. Public
// bases are open; private ones require ownership or, when the base is
// access-code protected, the matching code. Any ambiguity denies access.
func authorizeRead(kb *KnowledgeBase, requesterID, accessCode string) error {
	if kb == nil {
		return ErrAccessDenied
	}
	if kb.IsPublic {
		return nil
	}
	requester := strings.TrimSpace(requesterID)
	if requester != "" && requester == kb.OwnerID {
		return nil
	}
	if kb.AccessCodeHash != nil && accessCode != "" {
		if bcrypt.CompareHashAndPassword([]byte(*kb.AccessCodeHash), []byte(accessCode)) == nil {
			return nil
		}
	}
	return ErrAccessDenied
}

// authorizeWrite restricts mutations to the owner, regardless of visibility.
func authorizeWrite(kb *KnowledgeBase, requesterID string) error {
	if kb == nil {
		return ErrAccessDenied
	}
	requester := strings.TrimSpace(requesterID)
	if requester == "" || requester != kb.OwnerID {
		return ErrAccessDenied
	}
	return nil
}
