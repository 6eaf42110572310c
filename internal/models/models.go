package models

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single turn in a conversation. When Variants is non-empty,
// Content always equals Variants[CurrentVariant].
type Message struct {
	ID             string   `json:"id"`
	Role           Role     `json:"role"`
	Content        string   `json:"content"`
	Image          string   `json:"image,omitempty"`
	Timestamp      int64    `json:"timestamp"`
	Variants       []string `json:"variants,omitempty"`
	CurrentVariant int      `json:"currentVariant,omitempty"`
}

// HasVariants reports whether the message carries alternate generations.
func (m *Message) HasVariants() bool {
	return len(m.Variants) > 0
}

// AppendVariant records a regenerated content string as a new variant and
// makes it current. A message that never had variants is seeded with its
// existing content first, so the original generation stays selectable.
func (m *Message) AppendVariant(content string) {
	if len(m.Variants) == 0 {
		m.Variants = []string{m.Content}
	}
	m.Variants = append(m.Variants, content)
	m.CurrentVariant = len(m.Variants) - 1
	m.Content = content
}

// SelectVariant points the message at the variant with the given index.
// Out-of-range indexes are ignored.
func (m *Message) SelectVariant(index int) {
	if index < 0 || index >= len(m.Variants) {
		return
	}
	m.CurrentVariant = index
	m.Content = m.Variants[index]
}

// RemoveCurrentVariant drops the currently selected variant and clamps the
// selection to the remaining list. It reports false when the message has at
// most one variant, in which case the caller should delete the whole message.
func (m *Message) RemoveCurrentVariant() bool {
	if len(m.Variants) <= 1 {
		return false
	}
	idx := m.CurrentVariant
	m.Variants = append(m.Variants[:idx], m.Variants[idx+1:]...)
	if idx > len(m.Variants)-1 {
		idx = len(m.Variants) - 1
	}
	m.CurrentVariant = idx
	m.Content = m.Variants[idx]
	return true
}

// Character holds the persona card a conversation is played against.
// Immutable once loaded; import and parsing happen elsewhere.
type Character struct {
	ID                      string   `json:"id"`
	Name                    string   `json:"name"`
	Description             string   `json:"description"`
	Avatar                  string   `json:"avatar"`
	Tags                    []string `json:"tags"`
	Personality             string   `json:"personality"`
	FirstMes                string   `json:"first_mes"`
	Scenario                string   `json:"scenario"`
	DepthPrompt             string   `json:"depth_prompt,omitempty"`
	ExampleDialogue         string   `json:"example_dialogue,omitempty"`
	Creator                 string   `json:"creator,omitempty"`
	CreatorNotes            string   `json:"creator_notes,omitempty"`
	AlternateGreetings      []string `json:"alternate_greetings,omitempty"`
	CharacterVersion        string   `json:"character_version,omitempty"`
	MesExample              string   `json:"mes_example,omitempty"`
	PostHistoryInstructions string   `json:"post_history_instructions,omitempty"`
	SystemPrompt            string   `json:"system_prompt,omitempty"`
}

// Greetings returns the first message plus any alternates, in order.
func (c *Character) Greetings() []string {
	return append([]string{c.FirstMes}, c.AlternateGreetings...)
}

// Persona is the user-side identity shared across all conversations.
type Persona struct {
	Name       string `json:"name"`
	Traits     string `json:"traits"`
	Background string `json:"background"`
	Age        int    `json:"age,omitempty"`
	Gender     string `json:"gender,omitempty"`
	Appearance string `json:"appearance,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
}

// Provider names the transport family a conversation is configured for.
const (
	ProviderPawan  = "pawan"
	ProviderOpenAI = "openai"
)

// ConversationSettings carries generation parameters, transport selection
// and display options. Each conversation snapshots its own copy.
type ConversationSettings struct {
	Provider          string  `json:"provider,omitempty"`
	APIBaseURL        string  `json:"apiBaseUrl,omitempty"`
	APIKey            string  `json:"apiKey,omitempty"`
	PawanAPIKey       string  `json:"pawanApiKey,omitempty"`
	Model             string  `json:"model"`
	Temperature       float32 `json:"temperature"`
	TopP              float32 `json:"top_p"`
	TopK              int     `json:"top_k"`
	MinP              float32 `json:"min_p"`
	FrequencyPenalty  float32 `json:"frequency_penalty"`
	PresencePenalty   float32 `json:"presence_penalty"`
	MaxTokens         int     `json:"max_tokens"`
	RepetitionPenalty float32 `json:"repetition_penalty"`
	ItalicColor       string  `json:"italicColor"`
	Streaming         bool    `json:"streaming"`
}

// DefaultSettings returns the settings applied to new conversations before
// the user customizes anything.
func DefaultSettings() ConversationSettings {
	return ConversationSettings{
		Provider:          ProviderPawan,
		APIBaseURL:        "https://api.openai.com/v1",
		Model:             "cosmosrp",
		Temperature:       0.7,
		TopP:              1,
		MinP:              0.1,
		MaxTokens:         1000,
		RepetitionPenalty: 1,
		ItalicColor:       "#8b5cf6",
		Streaming:         true,
	}
}

// Conversation is one chat thread with a character. Owned by the character
// it was created for; UpdatedAt is refreshed on every mutation and drives
// the "most recent" ordering.
type Conversation struct {
	ID          string               `json:"id"`
	Title       string               `json:"title"`
	CharacterID string               `json:"characterId"`
	Messages    []Message            `json:"messages"`
	Settings    ConversationSettings `json:"settings"`
	CreatedAt   int64                `json:"createdAt"`
	UpdatedAt   int64                `json:"updatedAt"`
}

// Touch refreshes the modification timestamp.
func (c *Conversation) Touch() {
	c.UpdatedAt = time.Now().UnixMilli()
}

// MessageIndex returns the position of the message with the given id, or -1.
func (c *Conversation) MessageIndex(id string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// Now returns the current time in epoch milliseconds, the unit used for all
// conversation timestamps.
func Now() int64 {
	return time.Now().UnixMilli()
}
