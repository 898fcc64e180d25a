package domain

// TrainingSample is one dataset record produced for the training backend.
// Labels carries the per-token supervision mask over the tokenized Text:
// MaskedLabel for positions excluded from the loss, the token id otherwise.
type TrainingSample struct {
	Input       string            `json:"input"`
	Output      string            `json:"output"`
	Text        string            `json:"text"`
	TokenCount  int               `json:"token_count"`
	Labels      []int             `json:"labels"`
	Approximate bool              `json:"approximate,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// MaskedLabel marks a token position excluded from the training loss.
const MaskedLabel = -100
