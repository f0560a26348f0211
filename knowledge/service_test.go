package knowledge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// stubEmbedder produces deterministic vectors without a provider round-trip.
// Each vector encodes the input length so tests can tell chunks apart.
type stubEmbedder struct {
	model string
	dim   int
	err   error

	mu      sync.Mutex
	batches [][]string
}

func newStubEmbedder() *stubEmbedder {
	return &stubEmbedder{model: "stub-embed-001", dim: 4}
}

func (e *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.batches = append(e.batches, append([]string(nil), texts...))
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vector := make([]float32, e.dim)
		vector[0] = float32(len(text))
		vector[1] = float32(i)
		vectors[i] = vector
	}
	return vectors, nil
}

func (e *stubEmbedder) Model() string   { return e.model }
func (e *stubEmbedder) Dimensions() int { return e.dim }

// memoryIndex is an in-process VectorIndex with scriptable failures and a
// call journal for asserting operation order.
type memoryIndex struct {
	mu          sync.Mutex
	collections map[string]map[string]VectorPoint
	journal     []string

	createErr error
	upsertErr error
	deleteErr error
	searchErr error

	searchHits    []VectorHit
	lastLimit     int
	lastThreshold float64
	lastFilter    *VectorFilter

	onDelete func(ids []string)
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{collections: make(map[string]map[string]VectorPoint)}
}

func (m *memoryIndex) CreateCollection(_ context.Context, name string, vectorSize int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = append(m.journal, "create:"+name)
	if m.createErr != nil {
		return m.createErr
	}
	if vectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrConfiguration)
	}
	m.collections[name] = make(map[string]VectorPoint)
	return nil
}

func (m *memoryIndex) DeleteCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = append(m.journal, "drop:"+name)
	delete(m.collections, name)
	return nil
}

func (m *memoryIndex) Upsert(_ context.Context, collection string, points []VectorPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = append(m.journal, fmt.Sprintf("upsert:%d", len(points)))
	if m.upsertErr != nil {
		return m.upsertErr
	}
	stored, ok := m.collections[collection]
	if !ok {
		stored = make(map[string]VectorPoint)
		m.collections[collection] = stored
	}
	for _, point := range points {
		stored[point.ID] = point
	}
	return nil
}

func (m *memoryIndex) Delete(_ context.Context, collection string, ids []string) error {
	m.mu.Lock()
	m.journal = append(m.journal, fmt.Sprintf("delete:%d", len(ids)))
	callback := m.onDelete
	err := m.deleteErr
	if err == nil {
		if stored, ok := m.collections[collection]; ok {
			for _, id := range ids {
				delete(stored, id)
			}
		}
	}
	m.mu.Unlock()
	if callback != nil {
		callback(ids)
	}
	return err
}

func (m *memoryIndex) Search(_ context.Context, _ string, _ []float32, limit int, scoreThreshold float64, filter *VectorFilter) ([]VectorHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = append(m.journal, "search")
	m.lastLimit = limit
	m.lastThreshold = scoreThreshold
	m.lastFilter = filter
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	return m.searchHits, nil
}

func (m *memoryIndex) pointCount(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collections[collection])
}

func (m *memoryIndex) pointIDs(collection string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.collections[collection]))
	for id := range m.collections[collection] {
		ids = append(ids, id)
	}
	return ids
}

type testEnv struct {
	svc      *Service
	db       *gorm.DB
	embedder *stubEmbedder
	index    *memoryIndex
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	embedder := newStubEmbedder()
	index := newMemoryIndex()
	svc, err := NewService(db, embedder, index, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &testEnv{svc: svc, db: db, embedder: embedder, index: index}
}

func (env *testEnv) createBase(t *testing.T, owner string, public bool, accessCode string) *KnowledgeBase {
	t.Helper()
	kb, err := env.svc.CreateKnowledgeBase(context.Background(), KnowledgeBaseInput{
		Name:       "test base",
		OwnerID:    owner,
		IsPublic:   public,
		AccessCode: accessCode,
	})
	if err != nil {
		t.Fatalf("create knowledge base: %v", err)
	}
	return kb
}

func (env *testEnv) createDocument(t *testing.T, kbID, owner string, input DocumentInput) *Document {
	t.Helper()
	doc, err := env.svc.CreateDocument(context.Background(), kbID, owner, input)
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	return doc
}
