package chat

import (
	"encoding/json"
	"strings"
	"testing"

	"erpy/internal/completion"

	"github.com/stretchr/testify/require"
)

func item(role completion.Role, chosen int, answers ...string) HistoryItem {
	h := HistoryItem{Role: role, ChosenAnswer: chosen}
	for _, a := range answers {
		h.Content = append(h.Content, Content{Content: a})
	}
	return h
}

func TestTranscriptNewestFirstWithChosenAnswers(t *testing.T) {
	c := &Chat{Data: []HistoryItem{
		item(completion.RoleSystem, 0, "sys"),
		item(completion.RoleUser, 0, "hello"),
		item(completion.RoleAssistant, 1, "draft", "final"),
	}}

	out, err := Transcript(c, DefaultTranscriptBudget)
	require.NoError(t, err)

	var got []map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, []map[string]string{
		{"role": "Assistant", "content": "final"},
		{"role": "User", "content": "hello"},
		{"role": "System", "content": "sys"},
	}, got)
	require.Contains(t, out, "\n  {")
}

func TestTranscriptStopsAtBudget(t *testing.T) {
	c := &Chat{Data: []HistoryItem{
		item(completion.RoleUser, 0, "old but tiny"),
		item(completion.RoleUser, 0, strings.Repeat("x", 40)),
		item(completion.RoleAssistant, 0, strings.Repeat("y", 20)),
	}}

	out, err := Transcript(c, 12)
	require.NoError(t, err)

	var got []transcriptEntry
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	require.Equal(t, "Assistant", got[0].Role)
}

func TestTranscriptEmptyChat(t *testing.T) {
	out, err := Transcript(&Chat{}, DefaultTranscriptBudget)
	require.NoError(t, err)
	require.Equal(t, "[]", out)
}

func TestAnswerOutOfRange(t *testing.T) {
	_, err := Transcript(&Chat{Data: []HistoryItem{item(completion.RoleUser, 3, "only")}}, 10)
	require.Error(t, err)
}

func TestMessagesOldestFirst(t *testing.T) {
	c := &Chat{Data: []HistoryItem{item(completion.RoleUser, 0, "a"), item(completion.RoleAssistant, 0, "b")}}
	msgs, err := c.Messages()
	require.NoError(t, err)
	require.Equal(t, []completion.Message{{Role: completion.RoleUser, Content: "a"}, {Role: completion.RoleAssistant, Content: "b"}}, msgs)
}

func TestChatJSONShape(t *testing.T) {
	raw := `{"id":4,"title":null,"characterId":2,"archived":false,"data":[{"role":"user","content":[{"content":"hi","timestamp":1,"modelId":"m"}],"chosenAnswer":0}]}`
	var c Chat
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	require.Nil(t, c.UUID)
	require.Equal(t, 2, c.CharacterID)
	require.Equal(t, "m", c.Data[0].Content[0].ModelID)
}
