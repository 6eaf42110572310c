package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"character-playground/backend/internal/models"
	"character-playground/backend/internal/prompt"
	"character-playground/backend/internal/upstream"
)

// transportKind names the three routes a chat turn can take.
type transportKind int

const (
	// viaProxy routes through the server's /api/chat endpoint, subject to
	// its daily quota.
	viaProxy transportKind = iota
	// directThirdParty calls a user-configured OpenAI-compatible endpoint
	// with the user's own key.
	directThirdParty
	// directProvider calls the vendor's tiered URLs with the user's own
	// provider key.
	directProvider
)

// payloadShape tags how response bodies and stream frames decode. Resolved
// once per transport rather than sniffed per call.
type payloadShape int

const (
	// shapeProxy: batched {"message": ...}, stream frames {"content": ...}.
	shapeProxy payloadShape = iota
	// shapeOpenAI: batched choices[0].message.content, stream frames
	// choices[0].delta.content.
	shapeOpenAI
)

// transport is one resolved route: where to POST, how to authenticate and
// how to decode what comes back.
type transport struct {
	kind     transportKind
	endpoint string
	authKey  string
	shape    payloadShape
}

// resolveTransport picks the route for the current settings. A fully
// configured third-party endpoint wins, then a user-supplied provider key;
// the proxy is the default.
func (e *Engine) resolveTransport() transport {
	s := e.settings
	if s.Provider == models.ProviderOpenAI && s.APIBaseURL != "" && s.APIKey != "" {
		return transport{
			kind:     directThirdParty,
			endpoint: strings.TrimSuffix(s.APIBaseURL, "/") + "/chat/completions",
			authKey:  s.APIKey,
			shape:    shapeOpenAI,
		}
	}
	if s.Provider == models.ProviderPawan && s.PawanAPIKey != "" {
		return transport{
			kind:     directProvider,
			endpoint: upstream.BaseURLForModel(s.Model) + "/chat/completions",
			authKey:  s.PawanAPIKey,
			shape:    shapeOpenAI,
		}
	}
	return transport{kind: viaProxy, endpoint: e.proxyURL, shape: shapeProxy}
}

// completionPayload is the OpenAI-shaped request body for direct routes.
type completionPayload struct {
	Model            string  `json:"model"`
	Messages         []any   `json:"messages"`
	MaxTokens        int     `json:"max_tokens"`
	Temperature      float32 `json:"temperature"`
	TopP             float32 `json:"top_p"`
	FrequencyPenalty float32 `json:"frequency_penalty"`
	PresencePenalty  float32 `json:"presence_penalty"`
	Stream           bool    `json:"stream"`
}

// proxyPayload is the proxy's native request body; the server rebuilds the
// system prompt itself.
type proxyPayload struct {
	Messages  []models.Message             `json:"messages"`
	Character *models.Character            `json:"character,omitempty"`
	Persona   *models.Persona              `json:"persona,omitempty"`
	Settings  *models.ConversationSettings `json:"settings"`
}

// executeTurn runs one chat completion over the resolved transport and
// returns the full assistant content. In streaming mode deltas are passed
// to onDelta as they arrive; both modes return the identical final string
// for identical upstream content.
func (e *Engine) executeTurn(ctx context.Context, history []models.Message, onDelta func(string)) (string, error) {
	t := e.resolveTransport()

	body, err := e.buildBody(t, history)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.authKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.authKey)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	e.captureRateHeaders(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", e.responseError(resp)
	}

	streaming := e.settings.Streaming
	if t.kind == viaProxy {
		// The proxy only streams when it says so; trust the response over
		// the request flag.
		streaming = streaming && strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
	}

	if streaming {
		return readStream(resp.Body, t.shape, onDelta)
	}
	return readBatched(resp.Body)
}

// buildBody serializes the request for the transport: direct routes carry
// the full OpenAI-shaped completion with the system prompt inlined, the
// proxy route ships history plus context and lets the server assemble it.
func (e *Engine) buildBody(t transport, history []models.Message) ([]byte, error) {
	if t.kind == viaProxy {
		settings := e.settings
		return json.Marshal(proxyPayload{
			Messages:  history,
			Character: e.character,
			Persona:   e.persona,
			Settings:  &settings,
		})
	}

	msgs := make([]any, 0, len(history)+1)
	msgs = append(msgs, map[string]any{
		"role":    "system",
		"content": prompt.BuildSystemPrompt(e.character, e.persona),
	})
	for _, m := range history {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			continue
		}
		var content any = m.Content
		if m.Image != "" {
			content = []map[string]any{
				{"type": "text", "text": m.Content},
				{"type": "image_url", "image_url": map[string]string{"url": m.Image}},
			}
		}
		msgs = append(msgs, map[string]any{"role": string(m.Role), "content": content})
	}

	return json.Marshal(completionPayload{
		Model:            e.settings.Model,
		Messages:         msgs,
		MaxTokens:        e.settings.MaxTokens,
		Temperature:      e.settings.Temperature,
		TopP:             e.settings.TopP,
		FrequencyPenalty: e.settings.FrequencyPenalty,
		PresencePenalty:  e.settings.PresencePenalty,
		Stream:           e.settings.Streaming,
	})
}

// readStream accumulates SSE data frames until the [DONE] sentinel or EOF.
// Malformed frames are skipped, not fatal: chunk boundaries can split lines
// and partial JSON is expected.
func readStream(body io.Reader, shape payloadShape, onDelta func(string)) (string, error) {
	var content strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return content.String(), nil
		}

		delta, ok := decodeDelta(payload, shape)
		if !ok || delta == "" {
			continue
		}
		content.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := scanner.Err(); err != nil {
		return content.String(), fmt.Errorf("reading stream: %w", err)
	}
	// EOF without a sentinel: keep whatever arrived.
	return content.String(), nil
}

func decodeDelta(payload string, shape payloadShape) (string, bool) {
	switch shape {
	case shapeProxy:
		var frame struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			return "", false
		}
		return frame.Content, true
	default:
		var frame struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &frame); err != nil || len(frame.Choices) == 0 {
			return "", false
		}
		return frame.Choices[0].Delta.Content, true
	}
}

// readBatched extracts content from either response shape: the OpenAI
// choices array or the proxy's flat message field.
func readBatched(body io.Reader) (string, error) {
	var payload struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(payload.Choices) > 0 && payload.Choices[0].Message.Content != "" {
		return payload.Choices[0].Message.Content, nil
	}
	return payload.Message, nil
}

// responseError turns a non-2xx response into an error carrying the wire
// envelope's message when one is present.
func (e *Engine) responseError(resp *http.Response) error {
	message := "Failed to get response"

	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}

	if limitHeader, remainingHeader := resp.Header.Get("X-RateLimit-Limit"), resp.Header.Get("X-RateLimit-Remaining"); limitHeader != "" && remainingHeader != "" {
		message = fmt.Sprintf("%s (remaining %s/%s)", message, remainingHeader, limitHeader)
	}
	return fmt.Errorf("%s", message)
}

// captureRateHeaders records quota headers whenever the transport exposes
// them, on success and error responses alike.
func (e *Engine) captureRateHeaders(resp *http.Response) {
	limitHeader := resp.Header.Get("X-RateLimit-Limit")
	remainingHeader := resp.Header.Get("X-RateLimit-Remaining")
	if limitHeader == "" || remainingHeader == "" {
		return
	}
	limit, err1 := strconv.Atoi(limitHeader)
	remaining, err2 := strconv.Atoi(remainingHeader)
	if err1 != nil || err2 != nil {
		return
	}

	e.mu.Lock()
	e.rate = &rateStatus{limit: limit, remaining: remaining}
	e.mu.Unlock()
}
