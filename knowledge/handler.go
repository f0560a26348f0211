package knowledge

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"sagebase_back/authorization"
	filestore "sagebase_back/storage"
)

// sourceURLTTL bounds how long a presigned source download stays valid.
const sourceURLTTL = 15 * time.Minute

// Module wires the knowledge engine and its HTTP surface together.
type Module struct {
	service *Service
	sources *filestore.SourceStorage
}

// RegisterRoutes opens the document store, migrates the schema and mounts the
// knowledge endpoints under /knowledge. All routes require an authenticated
// requester; per-base access control happens inside the service.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard) (*Module, error) {
	db, err := OpenDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	service, err := NewServiceFromEnv(db)
	if err != nil {
		return nil, err
	}
	if err := service.AutoMigrate(); err != nil {
		return nil, err
	}

	sources, err := filestore.NewSourceStorageFromEnv()
	if err != nil {
		return nil, err
	}
	if sources == nil {
		log.Printf("knowledge: source storage disabled, imported archives will not be retained")
	}

	m := &Module{service: service, sources: sources}

	group := router.Group("/knowledge", guard.RequireAuthenticated())
	group.POST("/bases", m.createKnowledgeBase)
	group.GET("/bases", m.listKnowledgeBases)
	group.GET("/bases/:kbID", m.getKnowledgeBase)
	group.POST("/bases/:kbID/documents", m.createDocument)
	group.GET("/bases/:kbID/documents", m.listDocuments)
	group.GET("/bases/:kbID/documents/:docID", m.getDocument)
	group.PUT("/bases/:kbID/documents/:docID", m.updateDocument)
	group.DELETE("/bases/:kbID/documents/:docID", m.deleteDocument)
	group.POST("/bases/:kbID/search", m.search)
	group.POST("/bases/:kbID/import", m.importArchive)
	group.GET("/bases/:kbID/sources/*objectKey", m.getSourceURL)
	group.DELETE("/bases/:kbID/sources/*objectKey", m.removeSource)

	return m, nil
}

// Service exposes the engine to sibling modules (the chat layer).
func (m *Module) Service() *Service {
	return m.service
}

func (m *Module) createKnowledgeBase(c *gin.Context) {
	var input KnowledgeBaseInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	input.OwnerID = authorization.RequesterID(c)

	kb, err := m.service.CreateKnowledgeBase(c.Request.Context(), input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, kb)
}

func (m *Module) listKnowledgeBases(c *gin.Context) {
	bases, err := m.service.ListKnowledgeBases(c.Request.Context(), authorization.RequesterID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"knowledge_bases": bases})
}

func (m *Module) getKnowledgeBase(c *gin.Context) {
	kb, err := m.service.DescribeKnowledgeBase(c.Request.Context(), c.Param("kbID"), authorization.RequesterID(c), accessCode(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, kb)
}

func (m *Module) createDocument(c *gin.Context) {
	var input DocumentInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	doc, err := m.service.CreateDocument(c.Request.Context(), c.Param("kbID"), authorization.RequesterID(c), input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func (m *Module) listDocuments(c *gin.Context) {
	docs, err := m.service.ListDocuments(c.Request.Context(), c.Param("kbID"), authorization.RequesterID(c), accessCode(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (m *Module) getDocument(c *gin.Context) {
	doc, err := m.service.GetDocument(c.Request.Context(), c.Param("kbID"), c.Param("docID"), authorization.RequesterID(c), accessCode(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (m *Module) updateDocument(c *gin.Context) {
	var changes DocumentUpdate
	if err := c.ShouldBindJSON(&changes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	modified, err := m.service.UpdateDocument(c.Request.Context(), c.Param("kbID"), c.Param("docID"), authorization.RequesterID(c), changes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"modified": modified})
}

func (m *Module) deleteDocument(c *gin.Context) {
	removed, err := m.service.DeleteDocument(c.Request.Context(), c.Param("kbID"), c.Param("docID"), authorization.RequesterID(c))
	if err != nil && !removed {
		respondError(c, err)
		return
	}
	if err != nil {
		// The record is gone but some vector deletions failed; they will be
		// re-attempted by the next content update touching those ids.
		log.Printf("knowledge: partial vector cleanup for document %s: %v", c.Param("docID"), err)
	}
	c.JSON(http.StatusOK, gin.H{"deleted": removed})
}

func (m *Module) search(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.AccessCode == "" {
		req.AccessCode = accessCode(c)
	}

	snippets, err := m.service.Search(c.Request.Context(), c.Param("kbID"), authorization.RequesterID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": snippets})
}

func (m *Module) importArchive(c *gin.Context) {
	fileHeader, err := c.FormFile("archive")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "archive file is required"})
		return
	}
	if fileHeader.Size > filestore.MaxSourceBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "archive too large"})
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read archive"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, filestore.MaxSourceBytes+1))
	if err != nil || int64(len(data)) > filestore.MaxSourceBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read archive"})
		return
	}

	opts := ImportOptions{Category: c.PostForm("category")}
	if tags := strings.TrimSpace(c.PostForm("tags")); tags != "" {
		opts.Tags = strings.Split(tags, ",")
	}

	kbID := c.Param("kbID")
	result, err := m.service.ImportArchive(c.Request.Context(), kbID, authorization.RequesterID(c), fileHeader.Filename, data, opts)
	if err != nil {
		respondError(c, err)
		return
	}

	response := gin.H{"result": result}
	if m.sources != nil {
		objectKey, storeErr := m.sources.Store(c.Request.Context(), kbID, fileHeader.Filename, fileHeader.Header.Get("Content-Type"), data)
		if storeErr != nil {
			log.Printf("knowledge: retain archive %s failed: %v", fileHeader.Filename, storeErr)
		} else {
			response["source_object"] = objectKey
		}
	}
	c.JSON(http.StatusOK, response)
}

// sourceObjectKey resolves and validates the object key of a retained source
// archive. Keys are namespaced per base, so a key outside sources/<kb_id>/ is
// treated as unknown rather than denied.
func sourceObjectKey(c *gin.Context, kbID string) (string, bool) {
	objectKey := strings.TrimPrefix(c.Param("objectKey"), "/")
	return objectKey, strings.HasPrefix(objectKey, "sources/"+kbID+"/")
}

func (m *Module) getSourceURL(c *gin.Context) {
	if m.sources == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "source storage is not configured"})
		return
	}
	kb, err := m.service.GetKnowledgeBase(c.Request.Context(), c.Param("kbID"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := authorizeRead(kb, authorization.RequesterID(c), accessCode(c)); err != nil {
		respondError(c, err)
		return
	}

	objectKey, ok := sourceObjectKey(c, kb.ID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown source object"})
		return
	}
	url, err := m.sources.PresignedURL(c.Request.Context(), objectKey, sourceURLTTL)
	if err != nil {
		respondError(c, fmt.Errorf("%w: presign source: %v", ErrStorage, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "expires_in": int(sourceURLTTL.Seconds())})
}

func (m *Module) removeSource(c *gin.Context) {
	if m.sources == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "source storage is not configured"})
		return
	}
	kb, err := m.service.GetKnowledgeBase(c.Request.Context(), c.Param("kbID"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := authorizeWrite(kb, authorization.RequesterID(c)); err != nil {
		respondError(c, err)
		return
	}

	objectKey, ok := sourceObjectKey(c, kb.ID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown source object"})
		return
	}
	if err := m.sources.Remove(c.Request.Context(), objectKey); err != nil {
		respondError(c, fmt.Errorf("%w: remove source: %v", ErrStorage, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func accessCode(c *gin.Context) string {
	if code := strings.TrimSpace(c.GetHeader("X-Access-Code")); code != "" {
		return code
	}
	return strings.TrimSpace(c.Query("access_code"))
}

func respondError(c *gin.Context, err error) {
	status := HTTPStatus(err)
	if IsTransient(err) {
		c.Header("Retry-After", "1")
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		// Do not leak storage internals to the client.
		log.Printf("knowledge: %v", err)
		message = "internal error"
	}
	if errors.Is(err, ErrAccessDenied) {
		message = "access denied"
	}
	c.JSON(status, gin.H{"error": message})
}
