package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"character-playground/backend/internal/models"
	"character-playground/backend/internal/quota"
	"character-playground/backend/internal/upstream"
	apperrors "character-playground/backend/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUpstream serves an OpenAI-compatible chat completions endpoint.
type fakeUpstream struct {
	mux *http.ServeMux
	srv *httptest.Server
}

func newFakeUpstream(t *testing.T, handler http.HandlerFunc) *fakeUpstream {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fakeUpstream{mux: mux, srv: srv}
}

func batchedReply(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "cmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{{
				"index":   0,
				"message": map[string]any{"role": "assistant", "content": content},
			}},
		})
	}
}

func streamingReply(chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			payload, _ := json.Marshal(map[string]any{
				"id":     "cmpl-1",
				"object": "chat.completion.chunk",
				"choices": []map[string]any{{
					"index": 0,
					"delta": map[string]any{"content": chunk},
				}},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func newTestRouter(t *testing.T, upstreamHandler http.HandlerFunc, limits quota.Limits) (*gin.Engine, *quota.Tracker) {
	return newTestRouterMaxStream(t, upstreamHandler, limits, 0)
}

func newTestRouterMaxStream(t *testing.T, upstreamHandler http.HandlerFunc, limits quota.Limits, maxStream time.Duration) (*gin.Engine, *quota.Tracker) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := newFakeUpstream(t, upstreamHandler)
	clients := upstream.NewClientsWith(map[upstream.Tier]upstream.TierConfig{
		upstream.TierPro:      {BaseURL: fake.srv.URL, APIKey: "test"},
		upstream.TierFree:     {BaseURL: fake.srv.URL, APIKey: "test"},
		upstream.TierInstruct: {BaseURL: fake.srv.URL, APIKey: "test"},
	})

	tracker := quota.NewTracker(limits)
	handler := NewChatHandler(tracker, clients, nil, maxStream)

	r := gin.New()
	r.Use(apperrors.ErrorHandler())
	r.POST("/api/chat", handler.Handle)
	return r, tracker
}

func chatBody(t *testing.T, streaming bool) *bytes.Buffer {
	t.Helper()
	settings := models.DefaultSettings()
	settings.Streaming = streaming
	body, err := json.Marshal(ChatRequest{
		Messages: []models.Message{{ID: "1", Role: models.RoleUser, Content: "hi"}},
		Character: &models.Character{
			ID: "c1", Name: "Aria", Personality: "curious",
		},
		Settings: &settings,
	})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func doChat(r *gin.Engine, body *bytes.Buffer, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/chat", body)
	req.Header.Set("Content-Type", "application/json")
	if ip != "" {
		req.Header.Set("CF-Connecting-IP", ip)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestChatBatched(t *testing.T) {
	r, _ := newTestRouter(t, batchedReply("Hello there!"), quota.DefaultLimits())

	w := doChat(r, chatBody(t, false), "1.2.3.4")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "25", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "24", w.Header().Get("X-RateLimit-Remaining"))

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Hello there!", resp["message"])
}

func TestChatBatchedEmptyCompletion(t *testing.T) {
	r, _ := newTestRouter(t, batchedReply(""), quota.DefaultLimits())

	w := doChat(r, chatBody(t, false), "1.2.3.4")

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "I apologize, but I couldn't generate a response.", resp["message"])
}

func TestChatStreaming(t *testing.T) {
	r, _ := newTestRouter(t, streamingReply("Hel", "lo!"), quota.DefaultLimits())

	w := doChat(r, chatBody(t, true), "1.2.3.4")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "24", w.Header().Get("X-RateLimit-Remaining"))

	body := w.Body.String()
	assert.Contains(t, body, `data: {"content":"Hel"}`)
	assert.Contains(t, body, `data: {"content":"lo!"}`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestChatStreamingInterruptedMidStream(t *testing.T) {
	r, _ := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		payload, _ := json.Marshal(map[string]any{
			"id":     "cmpl-1",
			"object": "chat.completion.chunk",
			"choices": []map[string]any{{
				"index": 0,
				"delta": map[string]any{"content": "Hel"},
			}},
		})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		w.(http.Flusher).Flush()

		// Drop the connection without the terminating chunk so the relay
		// sees an abrupt upstream failure, not a clean end of stream.
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		conn.Close()
	}, quota.DefaultLimits())

	w := doChat(r, chatBody(t, true), "1.2.3.4")

	// Headers and the first frame went out before the failure; the stream
	// ends without the sentinel so the client sees a truncated stream, not
	// a clean completion.
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `data: {"content":"Hel"}`)
	assert.NotContains(t, body, "[DONE]")
}

func TestChatStreamDurationBound(t *testing.T) {
	r, _ := newTestRouterMaxStream(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		payload, _ := json.Marshal(map[string]any{
			"id":     "cmpl-1",
			"object": "chat.completion.chunk",
			"choices": []map[string]any{{
				"index": 0,
				"delta": map[string]any{"content": "slow"},
			}},
		})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		w.(http.Flusher).Flush()

		// Stall until the relay's stream deadline cancels the upstream
		// request.
		<-req.Context().Done()
	}, quota.DefaultLimits(), 100*time.Millisecond)

	w := doChat(r, chatBody(t, true), "1.2.3.4")

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `data: {"content":"slow"}`)
	assert.NotContains(t, body, "[DONE]")
}

func TestChatMissingIPRejected(t *testing.T) {
	r, _ := newTestRouter(t, batchedReply("unused"), quota.DefaultLimits())

	// Build the request without any IP headers and with an empty remote addr
	// so the framework resolution comes up empty too.
	req := httptest.NewRequest(http.MethodPost, "/api/chat", chatBody(t, false))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = ""
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ip_not_found", resp.Error.Type)
	assert.Equal(t, http.StatusBadRequest, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "discord.gg/pawan")
}

func TestChatQuotaExhausted(t *testing.T) {
	r, _ := newTestRouter(t, batchedReply("ok"), quota.Limits{FreeDaily: 1, InstructDaily: 1})

	assert.Equal(t, http.StatusOK, doChat(r, chatBody(t, false), "1.2.3.4").Code)

	w := doChat(r, chatBody(t, false), "1.2.3.4")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	var resp struct {
		Error struct {
			Type string `json:"type"`
			Code int    `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "rate_limit_exceeded", resp.Error.Type)
}

func TestChatQuotaPerIP(t *testing.T) {
	r, _ := newTestRouter(t, batchedReply("ok"), quota.Limits{FreeDaily: 1, InstructDaily: 1})

	assert.Equal(t, http.StatusOK, doChat(r, chatBody(t, false), "1.2.3.4").Code)
	assert.Equal(t, http.StatusTooManyRequests, doChat(r, chatBody(t, false), "1.2.3.4").Code)
	// A different caller still has budget.
	assert.Equal(t, http.StatusOK, doChat(r, chatBody(t, false), "5.6.7.8").Code)
}

func TestChatUpstreamErrorPassthrough(t *testing.T) {
	r, _ := newTestRouter(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "model overloaded", "type": "server_error"},
		})
	}, quota.DefaultLimits())

	w := doChat(r, chatBody(t, false), "1.2.3.4")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var resp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "server_error", resp.Error.Type)
	assert.Equal(t, "model overloaded", resp.Error.Message)
}

func TestChatMalformedBody(t *testing.T) {
	r, _ := newTestRouter(t, batchedReply("unused"), quota.DefaultLimits())

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("CF-Connecting-IP", "1.2.3.4")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "server_error")
}

func TestChatUnknownModelRejected(t *testing.T) {
	r, _ := newTestRouter(t, batchedReply("unused"), quota.DefaultLimits())

	settings := models.DefaultSettings()
	settings.Model = "gpt-4"
	settings.Streaming = false
	body, err := json.Marshal(ChatRequest{Settings: &settings})
	require.NoError(t, err)

	w := doChat(r, bytes.NewBuffer(body), "1.2.3.4")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Limit"))
}

func TestBuildUpstreamMessages(t *testing.T) {
	req := ChatRequest{
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "look at this", Image: "data:image/png;base64,AAA"},
			{Role: models.RoleAssistant, Content: "nice"},
			{Role: models.RoleSystem, Content: "should be dropped"},
		},
		Character: &models.Character{Name: "Aria", Personality: "curious"},
	}

	out := buildUpstreamMessages(req)

	require.Len(t, out, 3)
	assert.Equal(t, "system", out[0].Role)
	assert.Contains(t, out[0].Content, "You are Aria.")

	// Image messages become two-part multimodal content.
	require.Len(t, out[1].MultiContent, 2)
	assert.Equal(t, "look at this", out[1].MultiContent[0].Text)
	assert.Equal(t, "data:image/png;base64,AAA", out[1].MultiContent[1].ImageURL.URL)

	assert.Equal(t, "assistant", out[2].Role)
	assert.Equal(t, "nice", out[2].Content)
}
