package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"character-playground/backend/internal/models"
	"character-playground/backend/internal/prompt"
	"character-playground/backend/internal/quota"
	"character-playground/backend/internal/upstream"
	apperrors "character-playground/backend/pkg/errors"
	"character-playground/backend/pkg/logger"
	"character-playground/backend/pkg/observability"

	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	ipRejectionMessage = "We couldn't verify your browser, please try again or visit discord.gg/pawan to create your own key."
	quotaExceededMsg   = "Daily limit reached for this model."
	emptyCompletionMsg = "I apologize, but I couldn't generate a response."
	genericUpstreamMsg = "Failed to generate response"
	doneSentinel       = "data: [DONE]\n\n"
	headerLimit        = "X-RateLimit-Limit"
	headerRemaining    = "X-RateLimit-Remaining"
)

// ChatRequest is the proxy's request body: prior history plus the context
// needed to rebuild the system prompt server-side.
type ChatRequest struct {
	Messages  []models.Message             `json:"messages"`
	Character *models.Character            `json:"character,omitempty"`
	Persona   *models.Persona              `json:"persona,omitempty"`
	Settings  *models.ConversationSettings `json:"settings,omitempty"`
}

// ChatHandler serves POST /api/chat: quota-gated forwarding of chat
// completions to the upstream tier selected by model id.
type ChatHandler struct {
	tracker *quota.Tracker
	clients *upstream.Clients
	metrics *observability.Metrics
	// maxStream bounds a single relayed completion stream; zero disables
	// the bound.
	maxStream time.Duration
}

// NewChatHandler creates the chat proxy handler.
func NewChatHandler(tracker *quota.Tracker, clients *upstream.Clients, metrics *observability.Metrics, maxStream time.Duration) *ChatHandler {
	return &ChatHandler{tracker: tracker, clients: clients, metrics: metrics, maxStream: maxStream}
}

// Handle processes one chat completion request.
func (h *ChatHandler) Handle(c *gin.Context) {
	log := logger.FromContext(c)

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.countRequest(c, "bad_body")
		c.Error(apperrors.NewServerError(genericUpstreamMsg))
		c.Abort()
		return
	}

	settings := req.Settings
	if settings == nil {
		settings = &models.ConversationSettings{
			Model:       "cosmosrp",
			Temperature: 0.7,
			MaxTokens:   1000,
		}
	}
	modelID := quota.NormalizeModel(settings.Model)

	ip := ResolveClientIP(c)
	if ip == UnknownIP {
		h.countRequest(c, "ip_rejected")
		c.Error(apperrors.NewIPNotFoundError(ipRejectionMessage))
		c.Abort()
		return
	}
	log = log.WithClientIP(ip)

	res := h.tracker.CheckAndIncrement(ip, modelID)
	c.Header(headerLimit, strconv.Itoa(res.Limit))
	c.Header(headerRemaining, strconv.Itoa(res.Remaining))
	if !res.Allowed {
		log.Warn("daily quota exhausted", "model", modelID, "limit", res.Limit)
		if h.metrics != nil {
			h.metrics.QuotaRejections.Add(c.Request.Context(), 1,
				metric.WithAttributes(attribute.String("model", modelID)))
		}
		h.countRequest(c, "quota_rejected")
		c.Error(apperrors.NewRateLimitError(quotaExceededMsg))
		c.Abort()
		return
	}

	completion := openai.ChatCompletionRequest{
		Model:            settings.Model,
		Messages:         buildUpstreamMessages(req),
		MaxTokens:        settings.MaxTokens,
		Temperature:      settings.Temperature,
		TopP:             settings.TopP,
		FrequencyPenalty: settings.FrequencyPenalty,
		PresencePenalty:  settings.PresencePenalty,
		Stream:           settings.Streaming,
	}
	client := h.clients.ForModel(modelID)

	if settings.Streaming {
		h.relayStream(c, log, client, completion)
		return
	}

	resp, err := client.CreateChatCompletion(c.Request.Context(), completion)
	if err != nil {
		log.LogError(err, "upstream completion failed", "model", modelID)
		h.countRequest(c, "upstream_error")
		c.Error(upstreamError(err))
		c.Abort()
		return
	}

	content := emptyCompletionMsg
	if len(resp.Choices) > 0 && resp.Choices[0].Message.Content != "" {
		content = resp.Choices[0].Message.Content
	}
	h.countRequest(c, "ok")
	c.JSON(http.StatusOK, gin.H{"message": content})
}

// relayStream re-emits upstream deltas as SSE frames. Quota headers are
// already set; the body is a sequence of data: {"content": ...} frames
// closed by the [DONE] sentinel. A mid-stream upstream failure terminates
// the connection without the sentinel.
func (h *ChatHandler) relayStream(c *gin.Context, log *logger.Logger, client *openai.Client, req openai.ChatCompletionRequest) {
	ctx := c.Request.Context()
	if h.maxStream > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.maxStream)
		defer cancel()
	}

	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		log.LogError(err, "upstream stream open failed", "model", req.Model)
		h.countRequest(c, "upstream_error")
		c.Error(upstreamError(err))
		c.Abort()
		return
	}
	defer stream.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			c.Writer.WriteString(doneSentinel)
			c.Writer.Flush()
			h.countRequest(c, "ok")
			return
		}
		if err != nil {
			// The body is already committed: drop the connection without a
			// sentinel so the client sees a truncated stream, not a clean end.
			log.LogError(err, "upstream stream interrupted", "model", req.Model)
			h.countRequest(c, "stream_interrupted")
			return
		}

		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		frame, err := json.Marshal(gin.H{"content": chunk.Choices[0].Delta.Content})
		if err != nil {
			continue
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", frame)
		c.Writer.Flush()
		if h.metrics != nil {
			h.metrics.StreamedChunks.Add(ctx, 1)
		}
	}
}

// buildUpstreamMessages prepends the rebuilt system prompt and maps the
// conversational history into upstream chat format. Messages carrying an
// image become two-part multimodal content.
func buildUpstreamMessages(req ChatRequest) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	out = append(out, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: prompt.BuildSystemPrompt(req.Character, req.Persona),
	})

	for _, msg := range req.Messages {
		if msg.Role != models.RoleUser && msg.Role != models.RoleAssistant {
			continue
		}
		m := openai.ChatCompletionMessage{Role: string(msg.Role)}
		if msg.Image != "" {
			m.MultiContent = []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: msg.Content},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: msg.Image}},
			}
		} else {
			m.Content = msg.Content
		}
		out = append(out, m)
	}
	return out
}

// upstreamError converts an upstream failure into the wire envelope,
// passing the provider's message through when one exists.
func upstreamError(err error) *apperrors.AppError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apperrors.NewServerError(apiErr.Message)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.NewServerError(genericUpstreamMsg)
	}
	if err != nil && err.Error() != "" {
		return apperrors.NewServerError(err.Error())
	}
	return apperrors.NewServerError(genericUpstreamMsg)
}

func (h *ChatHandler) countRequest(c *gin.Context, outcome string) {
	if h.metrics == nil {
		return
	}
	h.metrics.ChatRequests.Add(c.Request.Context(), 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}
