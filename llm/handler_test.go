package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"sagebase_back/knowledge"
)

type fakeRetriever struct {
	snippets []knowledge.Snippet
	err      error

	gotKB        string
	gotRequester string
	gotReq       knowledge.SearchRequest
}

func (f *fakeRetriever) Search(_ context.Context, kbID, requesterID string, req knowledge.SearchRequest) ([]knowledge.Snippet, error) {
	f.gotKB = kbID
	f.gotRequester = requesterID
	f.gotReq = req
	return f.snippets, f.err
}

type fakeCompleter struct {
	result ChatResult
	err    error

	gotMessages []ChatMessage
}

func (f *fakeCompleter) Chat(_ context.Context, messages []ChatMessage) (ChatResult, error) {
	f.gotMessages = messages
	return f.result, f.err
}

func (f *fakeCompleter) ChatStream(_ context.Context, messages []ChatMessage, handler func(ChatStreamDelta) error) (ChatResult, error) {
	f.gotMessages = messages
	if f.err != nil {
		return ChatResult{}, f.err
	}
	for _, piece := range strings.SplitAfter(f.result.Content, " ") {
		if err := handler(ChatStreamDelta{Content: piece, FullContent: f.result.Content}); err != nil {
			return ChatResult{}, err
		}
	}
	if err := handler(ChatStreamDelta{FullContent: f.result.Content, Done: true}); err != nil {
		return ChatResult{}, err
	}
	return f.result, nil
}

func newChatRouter(retriever Retriever, completer completer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	module := &Module{client: completer, retriever: retriever}
	router.POST("/chat", func(c *gin.Context) {
		c.Set("requester_id", "alice")
		module.handleChat(c)
	})
	return router
}

func TestHandleChatGroundedAnswer(t *testing.T) {
	title := "handbook"
	retriever := &fakeRetriever{snippets: []knowledge.Snippet{
		{DocumentID: "doc-1", Title: &title, Text: "vacation policy text", Score: 0.8},
	}}
	completer := &fakeCompleter{result: ChatResult{Content: "You get 25 days. [1]"}}
	router := newChatRouter(retriever, completer)

	body := `{"kb_id":"kb-1","query":"how many vacation days?","access_code":"sesame","limit":5}`
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if retriever.gotKB != "kb-1" || retriever.gotRequester != "alice" {
		t.Errorf("retriever called with kb=%q requester=%q", retriever.gotKB, retriever.gotRequester)
	}
	if retriever.gotReq.AccessCode != "sesame" || retriever.gotReq.Limit != 5 {
		t.Errorf("search request = %+v", retriever.gotReq)
	}

	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Content != "You get 25 days. [1]" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.References) != 1 || resp.References[0].DocumentID != "doc-1" {
		t.Errorf("references = %+v", resp.References)
	}

	var sawExcerpt bool
	for _, msg := range completer.gotMessages {
		if strings.Contains(msg.Content, "vacation policy text") {
			sawExcerpt = true
		}
	}
	if !sawExcerpt {
		t.Error("retrieved excerpt never reached the model payload")
	}
}

func TestHandleChatWithoutKnowledgeBase(t *testing.T) {
	retriever := &fakeRetriever{}
	completer := &fakeCompleter{result: ChatResult{Content: "general answer"}}
	router := newChatRouter(retriever, completer)

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"query":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if retriever.gotKB != "" {
		t.Error("retriever must not be consulted without a kb_id")
	}
}

func TestHandleChatRetrievalErrorMapped(t *testing.T) {
	retriever := &fakeRetriever{err: knowledge.ErrAccessDenied}
	router := newChatRouter(retriever, &fakeCompleter{})

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"kb_id":"kb-1","query":"secret?"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestHandleChatMissingQuery(t *testing.T) {
	router := newChatRouter(&fakeRetriever{}, &fakeCompleter{})

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"kb_id":"kb-1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleChatStreaming(t *testing.T) {
	retriever := &fakeRetriever{}
	completer := &fakeCompleter{result: ChatResult{Content: "streamed answer"}}
	router := newChatRouter(retriever, completer)

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"query":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: references") {
		t.Errorf("missing references event: %s", body)
	}
	if !strings.Contains(body, "event: delta") {
		t.Errorf("missing delta events: %s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Errorf("missing done event: %s", body)
	}
	if !strings.Contains(body, "streamed answer") {
		t.Errorf("final content missing from stream: %s", body)
	}
}
