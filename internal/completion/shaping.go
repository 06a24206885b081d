package completion

import "strings"

const (
	bytesPerToken = 4
	thinkCloseTag = "</think>"
)

// EstimateTokens approximates the token count of messages as the total
// content byte length divided by four, rounded down.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total / bytesPerToken
}

// StripThinkingTags returns a copy of req in which every message containing a
// closing </think> marker keeps only the text after the first marker.
func StripThinkingTags(req *Request) *Request {
	out := req.Clone()
	for i, m := range out.Messages {
		if _, after, ok := strings.Cut(m.Content, thinkCloseTag); ok {
			out.Messages[i].Content = after
		}
	}
	return out
}
