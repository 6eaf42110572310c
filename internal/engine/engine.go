// Package engine is the headless conversation engine: it owns message
// lifecycle (send, regenerate, retry, edits, variants) for one character's
// conversations and drives chat turns over the proxy or a direct upstream.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"character-playground/backend/internal/models"
	"character-playground/backend/pkg/logger"

	"github.com/google/uuid"
)

const errorFallbackContent = "Sorry, I encountered an error while processing your message. Please try again."

// Common operation errors.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotUserMessage       = errors.New("target message is not a user message")
)

// Notifier surfaces user-visible errors. The engine never retries on its
// own; it reports and leaves retry to an explicit user action.
type Notifier interface {
	Notify(message string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(string)

// Notify implements Notifier.
func (f NotifierFunc) Notify(message string) { f(message) }

type rateStatus struct {
	limit     int
	remaining int
}

// Options configures a new Engine.
type Options struct {
	Character *models.Character
	Persona   *models.Persona
	Settings  models.ConversationSettings
	Store     ConversationStore
	// ProxyURL is the server's chat endpoint, e.g. http://host/api/chat.
	ProxyURL   string
	HTTPClient *http.Client
	Notifier   Notifier
	Logger     *logger.Logger
	// OnDelta receives streamed content fragments for live display.
	OnDelta func(conversationID, messageID, delta string)
}

// Engine orchestrates one character's conversations. Operations mutate
// state through the store; there is a single logical writer. In-flight
// turns are not mutually excluded — callers gate on Busy the way the UI
// disables input — but every turn is individually cancelable.
type Engine struct {
	character *models.Character
	persona   *models.Persona
	settings  models.ConversationSettings
	store     ConversationStore
	proxyURL  string
	http      *http.Client
	notifier  Notifier
	log       *logger.Logger
	onDelta   func(conversationID, messageID, delta string)

	busy atomic.Bool

	mu     sync.Mutex
	rate   *rateStatus
	cancel context.CancelFunc
}

// New creates an engine for one character.
func New(opts Options) *Engine {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if opts.Notifier == nil {
		opts.Notifier = NotifierFunc(func(string) {})
	}
	if opts.Logger == nil {
		opts.Logger = logger.GetGlobal()
	}
	return &Engine{
		character: opts.Character,
		persona:   opts.Persona,
		settings:  opts.Settings,
		store:     opts.Store,
		proxyURL:  opts.ProxyURL,
		http:      opts.HTTPClient,
		notifier:  opts.Notifier,
		log:       opts.Logger.WithComponent("engine"),
		onDelta:   opts.OnDelta,
	}
}

// Busy reports whether a chat turn is in flight. The UI layer is expected
// to disable input while true; the engine does not serialize turns itself.
func (e *Engine) Busy() bool {
	return e.busy.Load()
}

// CancelTurn aborts the in-flight chat turn, if any.
func (e *Engine) CancelTurn() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// RateLimit returns the last quota indicator seen on a transport response.
// ok is false until a response carried the headers or after a model change.
func (e *Engine) RateLimit() (limit, remaining int, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rate == nil {
		return 0, 0, false
	}
	return e.rate.limit, e.rate.remaining, true
}

// SetPersona replaces the active persona for subsequent turns.
func (e *Engine) SetPersona(p *models.Persona) {
	e.persona = p
}

// Settings returns the engine's current global settings.
func (e *Engine) Settings() models.ConversationSettings {
	return e.settings
}

// UpdateSettings replaces the global settings and propagates them to every
// conversation of the character, keeping them in sync. Changing the model
// resets the quota indicator.
func (e *Engine) UpdateSettings(ctx context.Context, settings models.ConversationSettings) error {
	if settings.Model != e.settings.Model {
		e.mu.Lock()
		e.rate = nil
		e.mu.Unlock()
	}
	e.settings = settings

	convs, err := e.store.List(ctx, e.character.ID)
	if err != nil {
		return err
	}
	for i := range convs {
		convs[i].Settings = settings
		convs[i].Touch()
		if err := e.store.Put(ctx, &convs[i]); err != nil {
			return err
		}
	}
	return nil
}

// NewConversation creates a conversation opened by the character's
// greeting, with a snapshot of the current global settings.
func (e *Engine) NewConversation(ctx context.Context) (*models.Conversation, error) {
	existing, err := e.store.List(ctx, e.character.ID)
	if err != nil {
		return nil, err
	}

	now := models.Now()
	conv := &models.Conversation{
		ID:          uuid.NewString()[:8],
		Title:       fmt.Sprintf("Chat %d", len(existing)+1),
		CharacterID: e.character.ID,
		Messages: []models.Message{{
			ID:        uuid.NewString(),
			Role:      models.RoleAssistant,
			Content:   e.character.FirstMes,
			Timestamp: now,
		}},
		Settings:  e.settings,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Put(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Conversations lists the character's conversations, most recent first.
func (e *Engine) Conversations(ctx context.Context) ([]models.Conversation, error) {
	return e.store.List(ctx, e.character.ID)
}

// LatestConversation returns the most recently updated conversation, or
// nil when the character has none.
func (e *Engine) LatestConversation(ctx context.Context) (*models.Conversation, error) {
	convs, err := e.store.List(ctx, e.character.ID)
	if err != nil || len(convs) == 0 {
		return nil, err
	}
	return &convs[0], nil
}

// RenameConversation sets a new title.
func (e *Engine) RenameConversation(ctx context.Context, id, title string) error {
	conv, err := e.conversation(ctx, id)
	if err != nil {
		return err
	}
	conv.Title = title
	conv.Touch()
	return e.store.Put(ctx, conv)
}

// DeleteConversation removes a conversation entirely.
func (e *Engine) DeleteConversation(ctx context.Context, id string) error {
	return e.store.Delete(ctx, e.character.ID, id)
}

// Send appends a user message, runs a chat turn over the full history and
// commits the assistant reply. A transport failure still ends the turn: a
// fixed fallback assistant message is committed and the error detail is
// surfaced through the notifier.
func (e *Engine) Send(ctx context.Context, conversationID, content, image string) (*models.Message, error) {
	conv, err := e.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	userMsg := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   content,
		Image:     image,
		Timestamp: models.Now(),
	}
	conv.Messages = append(conv.Messages, userMsg)
	conv.Touch()
	if err := e.store.Put(ctx, conv); err != nil {
		return nil, err
	}

	assistantID := uuid.NewString()
	reply, turnErr := e.runTurn(ctx, conversationID, assistantID, conv.Messages)
	if turnErr != nil {
		e.log.LogError(turnErr, "send failed", "conversation_id", conversationID)
		e.notifier.Notify(turnErr.Error())
		reply = errorFallbackContent
	}

	assistant := models.Message{
		ID:        assistantID,
		Role:      models.RoleAssistant,
		Content:   reply,
		Timestamp: models.Now(),
	}
	conv.Messages = append(conv.Messages, assistant)
	conv.Touch()
	if err := e.store.Put(ctx, conv); err != nil {
		return nil, err
	}
	return &assistant, nil
}

// Regenerate produces an alternate generation for an assistant message
// using only the history before it. The new content is appended to the
// message's variants and selected; everything after the message stays
// untouched. On failure the message is left exactly as it was.
func (e *Engine) Regenerate(ctx context.Context, conversationID, messageID string) error {
	conv, err := e.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	idx := conv.MessageIndex(messageID)
	if idx < 0 {
		return ErrMessageNotFound
	}

	history := conv.Messages[:idx]
	content, turnErr := e.runTurn(ctx, conversationID, messageID, history)
	if turnErr != nil {
		e.log.LogError(turnErr, "regenerate failed", "conversation_id", conversationID, "message_id", messageID)
		e.notifier.Notify(turnErr.Error())
		return turnErr
	}

	conv.Messages[idx].AppendVariant(content)
	conv.Touch()
	return e.store.Put(ctx, conv)
}

// RetryFromUserMessage re-sends a user message: history is truncated to
// include it, everything after it is discarded, and a freshly generated
// assistant message takes its place.
func (e *Engine) RetryFromUserMessage(ctx context.Context, conversationID, messageID string) error {
	conv, err := e.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	idx := conv.MessageIndex(messageID)
	if idx < 0 {
		return ErrMessageNotFound
	}
	if conv.Messages[idx].Role != models.RoleUser {
		return ErrNotUserMessage
	}

	history := conv.Messages[:idx+1]
	assistantID := uuid.NewString()
	content, turnErr := e.runTurn(ctx, conversationID, assistantID, history)
	if turnErr != nil {
		e.log.LogError(turnErr, "retry failed", "conversation_id", conversationID, "message_id", messageID)
		e.notifier.Notify(turnErr.Error())
		return turnErr
	}

	conv.Messages = append(history, models.Message{
		ID:        assistantID,
		Role:      models.RoleAssistant,
		Content:   content,
		Timestamp: models.Now(),
	})
	conv.Touch()
	return e.store.Put(ctx, conv)
}

// EditMessage replaces a message's content in place and refreshes its
// timestamp. No truncation, no regeneration, no network.
func (e *Engine) EditMessage(ctx context.Context, conversationID, messageID, newContent string) error {
	conv, err := e.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	idx := conv.MessageIndex(messageID)
	if idx < 0 {
		return ErrMessageNotFound
	}

	conv.Messages[idx].Content = newContent
	conv.Messages[idx].Timestamp = models.Now()
	conv.Touch()
	return e.store.Put(ctx, conv)
}

// DeleteMessage removes a single message.
func (e *Engine) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	conv, err := e.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	idx := conv.MessageIndex(messageID)
	if idx < 0 {
		return ErrMessageNotFound
	}

	conv.Messages = append(conv.Messages[:idx], conv.Messages[idx+1:]...)
	conv.Touch()
	return e.store.Put(ctx, conv)
}

// DeleteFromHere removes the target message and everything after it.
func (e *Engine) DeleteFromHere(ctx context.Context, conversationID, messageID string) error {
	conv, err := e.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	idx := conv.MessageIndex(messageID)
	if idx < 0 {
		return ErrMessageNotFound
	}

	conv.Messages = conv.Messages[:idx]
	conv.Touch()
	return e.store.Put(ctx, conv)
}

// DeleteGeneration removes only the currently selected variant of the
// target message; with at most one variant it falls back to deleting the
// whole message.
func (e *Engine) DeleteGeneration(ctx context.Context, conversationID, messageID string) error {
	conv, err := e.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	idx := conv.MessageIndex(messageID)
	if idx < 0 {
		return ErrMessageNotFound
	}

	if !conv.Messages[idx].RemoveCurrentVariant() {
		conv.Messages = append(conv.Messages[:idx], conv.Messages[idx+1:]...)
	}
	conv.Touch()
	return e.store.Put(ctx, conv)
}

// SwitchVariant points a message at another of its variants. Pure pointer
// update, no network.
func (e *Engine) SwitchVariant(ctx context.Context, conversationID, messageID string, variantIndex int) error {
	conv, err := e.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	idx := conv.MessageIndex(messageID)
	if idx < 0 {
		return ErrMessageNotFound
	}

	conv.Messages[idx].SelectVariant(variantIndex)
	conv.Touch()
	return e.store.Put(ctx, conv)
}

// SwitchGreeting replaces the opening message's content with another of
// the character's greetings. Only applies while the first message is still
// the assistant's greeting slot.
func (e *Engine) SwitchGreeting(ctx context.Context, conversationID string, greetingIndex int) error {
	conv, err := e.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	greetings := e.character.Greetings()
	if greetingIndex < 0 || greetingIndex >= len(greetings) {
		return fmt.Errorf("greeting index %d out of range", greetingIndex)
	}
	if len(conv.Messages) == 0 || conv.Messages[0].Role != models.RoleAssistant {
		return ErrMessageNotFound
	}

	conv.Messages[0].Content = greetings[greetingIndex]
	conv.Touch()
	return e.store.Put(ctx, conv)
}

// runTurn wraps executeTurn with busy/cancel bookkeeping and delta fanout.
func (e *Engine) runTurn(ctx context.Context, conversationID, messageID string, history []models.Message) (string, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	e.busy.Store(true)
	defer func() {
		e.busy.Store(false)
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
		cancel()
	}()

	var sink func(string)
	if e.onDelta != nil {
		sink = func(delta string) { e.onDelta(conversationID, messageID, delta) }
	}
	return e.executeTurn(turnCtx, history, sink)
}

func (e *Engine) conversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := e.store.Get(ctx, e.character.ID, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}
