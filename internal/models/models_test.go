package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendVariantSeedsOriginal(t *testing.T) {
	m := Message{Role: RoleAssistant, Content: "first"}

	m.AppendVariant("second")

	assert.Equal(t, []string{"first", "second"}, m.Variants)
	assert.Equal(t, 1, m.CurrentVariant)
	assert.Equal(t, "second", m.Content)

	m.AppendVariant("third")
	assert.Equal(t, []string{"first", "second", "third"}, m.Variants)
	assert.Equal(t, 2, m.CurrentVariant)
	assert.Equal(t, "third", m.Content)
}

func TestSelectVariant(t *testing.T) {
	m := Message{Content: "a"}
	m.AppendVariant("b")

	m.SelectVariant(0)
	assert.Equal(t, "a", m.Content)
	assert.Equal(t, 0, m.CurrentVariant)

	// Out of range is ignored.
	m.SelectVariant(5)
	assert.Equal(t, "a", m.Content)
	m.SelectVariant(-1)
	assert.Equal(t, "a", m.Content)
}

func TestRemoveCurrentVariant(t *testing.T) {
	m := Message{Content: "a"}
	m.AppendVariant("b")
	m.AppendVariant("c")

	// Drop "c" (current); selection clamps to the new last element.
	assert.True(t, m.RemoveCurrentVariant())
	assert.Equal(t, []string{"a", "b"}, m.Variants)
	assert.Equal(t, 1, m.CurrentVariant)
	assert.Equal(t, "b", m.Content)

	// Only one removal left; with a single variant the caller must delete
	// the whole message instead.
	assert.True(t, m.RemoveCurrentVariant())
	assert.False(t, m.RemoveCurrentVariant())
}

func TestRemoveCurrentVariantMiddle(t *testing.T) {
	m := Message{Content: "a"}
	m.AppendVariant("b")
	m.AppendVariant("c")
	m.SelectVariant(1)

	assert.True(t, m.RemoveCurrentVariant())
	assert.Equal(t, []string{"a", "c"}, m.Variants)
	assert.Equal(t, 1, m.CurrentVariant)
	assert.Equal(t, "c", m.Content)
}

func TestRemoveCurrentVariantNoVariants(t *testing.T) {
	m := Message{Content: "only"}
	assert.False(t, m.RemoveCurrentVariant())
	assert.Equal(t, "only", m.Content)
}

func TestGreetings(t *testing.T) {
	c := Character{FirstMes: "hello"}
	assert.Equal(t, []string{"hello"}, c.Greetings())

	c.AlternateGreetings = []string{"hey", "hi there"}
	assert.Equal(t, []string{"hello", "hey", "hi there"}, c.Greetings())
}

func TestMessageIndex(t *testing.T) {
	conv := Conversation{Messages: []Message{{ID: "a"}, {ID: "b"}}}
	assert.Equal(t, 0, conv.MessageIndex("a"))
	assert.Equal(t, 1, conv.MessageIndex("b"))
	assert.Equal(t, -1, conv.MessageIndex("missing"))
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, ProviderPawan, s.Provider)
	assert.Equal(t, "cosmosrp", s.Model)
	assert.True(t, s.Streaming)
	assert.Equal(t, 1000, s.MaxTokens)
}
