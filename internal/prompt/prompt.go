// Package prompt assembles the system prompt sent ahead of every chat
// completion and expands {{char}}/{{user}} placeholders in character text.
package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"character-playground/backend/internal/models"
)

const closingInstruction = "Respond in character and maintain the personality and speaking style described above."

// BuildSystemPrompt concatenates the present character and persona fields
// in a fixed order, each section followed by a blank line, and always ends
// with the closing instruction. Both arguments are optional.
func BuildSystemPrompt(character *models.Character, persona *models.Persona) string {
	var b strings.Builder

	if character != nil {
		fmt.Fprintf(&b, "You are %s. %s\n\n", character.Name, character.Personality)
		if character.Scenario != "" {
			fmt.Fprintf(&b, "Scenario: %s\n\n", character.Scenario)
		}
		if character.DepthPrompt != "" {
			fmt.Fprintf(&b, "%s\n\n", character.DepthPrompt)
		}
		if character.ExampleDialogue != "" {
			fmt.Fprintf(&b, "Example dialogue:\n%s\n\n", character.ExampleDialogue)
		}
		if character.SystemPrompt != "" {
			fmt.Fprintf(&b, "%s\n\n", character.SystemPrompt)
		}
		if character.PostHistoryInstructions != "" {
			fmt.Fprintf(&b, "Additional instructions: %s\n\n", character.PostHistoryInstructions)
		}
	}

	if persona != nil {
		fmt.Fprintf(&b, "You are talking to %s, %d years old, %s, %s, %s, %s\n\n",
			persona.Name, persona.Age, persona.Gender, persona.Appearance, persona.Traits, persona.Background)
	}

	b.WriteString(closingInstruction)
	return b.String()
}

var (
	charPlaceholder = regexp.MustCompile(`(?i)\{\{char\}\}`)
	userPlaceholder = regexp.MustCompile(`(?i)\{\{user\}\}`)
)

// ReplacePlaceholders substitutes {{char}} with the character name and
// {{user}} with the persona name, falling back to "User" when no persona
// is set. Matching is case-insensitive.
func ReplacePlaceholders(text string, character *models.Character, persona *models.Persona) string {
	if text == "" {
		return text
	}

	if character != nil {
		text = charPlaceholder.ReplaceAllString(text, character.Name)
	}

	userName := "User"
	if persona != nil && persona.Name != "" {
		userName = persona.Name
	}
	return userPlaceholder.ReplaceAllString(text, userName)
}

// ReplaceCharacterPlaceholders returns a copy of the character with
// placeholders expanded in every text field, greetings included.
func ReplaceCharacterPlaceholders(character models.Character, persona *models.Persona) models.Character {
	expand := func(s string) string {
		return ReplacePlaceholders(s, &character, persona)
	}

	out := character
	out.Description = expand(character.Description)
	out.Personality = expand(character.Personality)
	out.FirstMes = expand(character.FirstMes)
	out.Scenario = expand(character.Scenario)
	out.DepthPrompt = expand(character.DepthPrompt)
	out.ExampleDialogue = expand(character.ExampleDialogue)
	out.SystemPrompt = expand(character.SystemPrompt)
	out.PostHistoryInstructions = expand(character.PostHistoryInstructions)
	out.CreatorNotes = expand(character.CreatorNotes)
	out.MesExample = expand(character.MesExample)
	if len(character.AlternateGreetings) > 0 {
		out.AlternateGreetings = make([]string, len(character.AlternateGreetings))
		for i, g := range character.AlternateGreetings {
			out.AlternateGreetings[i] = expand(g)
		}
	}
	return out
}
