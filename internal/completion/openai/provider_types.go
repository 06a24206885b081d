package openai

// GET /models envelope.
type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Structured error body some providers return on non-2xx.
type providerErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}
