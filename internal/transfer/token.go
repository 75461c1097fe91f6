package transfer

import (
	"encoding/json"
	"fmt"
)

// resumeToken is what the HTTP client hands out on a resumable cancel. Callers treat it as opaque bytes.
type resumeToken struct {
	Version int    `json:"v"`
	URL     string `json:"url"`
	Path    string `json:"path"`
	Offset  int64  `json:"offset"`
	ETag    string `json:"etag,omitempty"`
	Total   int64  `json:"total"`
}

const tokenVersion = 1

func (t *resumeToken) encode() []byte {
	t.Version = tokenVersion
	data, err := json.Marshal(t)
	if err != nil {
		// Only plain strings and integers, cannot fail
		panic(err)
	}
	return data
}

func decodeToken(data []byte) (*resumeToken, error) {
	var t resumeToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if t.Version != tokenVersion || t.Path == "" || t.Offset < 0 {
		return nil, ErrInvalidToken
	}
	return &t, nil
}
