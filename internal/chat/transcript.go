package chat

import (
	"encoding/json"
)

// DefaultTranscriptBudget is the token budget for summary transcripts.
const DefaultTranscriptBudget = 8192

type transcriptEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Transcript renders the chosen answers as an indented JSON array of
// {role, content}, newest first. Entries are added while their estimated
// tokens (bytes/4) fit within budget; the first one that does not ends the
// transcript.
func Transcript(c *Chat, budget int) (string, error) {
	entries := make([]transcriptEntry, 0, len(c.Data))
	total := 0
	for i := len(c.Data) - 1; i >= 0; i-- {
		item := c.Data[i]
		answer, err := item.Answer()
		if err != nil {
			return "", err
		}
		tokens := len(answer.Content) / 4
		if total+tokens > budget {
			break
		}
		entries = append(entries, transcriptEntry{Role: item.Role.Title(), Content: answer.Content})
		total += tokens
	}

	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
