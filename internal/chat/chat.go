// Package chat holds conversation records shared by the host and the sync
// service.
package chat

import (
	"encoding/json"
	"fmt"

	"erpy/internal/completion"

	"github.com/google/uuid"
)

// Content is one generated or typed alternative for a history entry.
type Content struct {
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	ModelID   string `json:"modelId"`
}

// HistoryItem is one turn. ChosenAnswer indexes Content.
type HistoryItem struct {
	Role         completion.Role `json:"role"`
	Content      []Content       `json:"content"`
	ChosenAnswer int             `json:"chosenAnswer"`
}

// Answer returns the chosen alternative.
func (h HistoryItem) Answer() (Content, error) {
	if h.ChosenAnswer < 0 || h.ChosenAnswer >= len(h.Content) {
		return Content{}, fmt.Errorf("chat: chosen answer %d out of range (%d alternatives)", h.ChosenAnswer, len(h.Content))
	}
	return h.Content[h.ChosenAnswer], nil
}

// Chat is a conversation. ID and CharacterID are the owning client's local
// ids; UUID is assigned by the sync service.
type Chat struct {
	UUID        *uuid.UUID    `json:"uuid,omitempty"`
	ID          int           `json:"id"`
	Title       *string       `json:"title"`
	CharacterID int           `json:"characterId"`
	Data        []HistoryItem `json:"data"`
	Archived    bool          `json:"archived"`
	CreatedAt   string        `json:"createdAt,omitempty"`
}

// Messages flattens the chosen answers into completion messages, oldest
// first.
func (c *Chat) Messages() ([]completion.Message, error) {
	out := make([]completion.Message, 0, len(c.Data))
	for i, item := range c.Data {
		answer, err := item.Answer()
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		out = append(out, completion.Message{Role: item.Role, Content: answer.Content})
	}
	return out, nil
}

// Character is an imported character card. The card itself is opaque here.
type Character struct {
	UUID    *uuid.UUID      `json:"uuid,omitempty"`
	ID      int             `json:"id"`
	URL     *string         `json:"url"`
	Payload json.RawMessage `json:"payload"`
}
