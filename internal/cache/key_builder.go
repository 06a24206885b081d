package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"erpy/internal/completion"
)

// BuildSummaryKey hashes the request as it will be sent, scoped to the model
// that answers it. The request's own model field is ignored since remote
// adapters overwrite it.
func BuildSummaryKey(req *completion.Request, modelID string) (SummaryKey, error) {
	if req == nil {
		return SummaryKey{}, errors.New("cache: nil request")
	}
	normalized := req.Clone()
	normalized.Model = ""

	body, err := json.Marshal(normalized)
	if err != nil {
		return SummaryKey{}, err
	}

	sum := sha256.Sum256(body)
	return SummaryKey{
		ModelID: strings.TrimSpace(modelID),
		Hash:    hex.EncodeToString(sum[:]),
	}, nil
}
