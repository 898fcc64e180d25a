// Package dataset renders collected conversations into training samples with
// span-delimited supervision targets and per-token label masks.
package dataset

import (
	"fmt"
	"strconv"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/tuneloop/internal/domain"
)

const (
	targetOpen  = "<TARGET>"
	targetClose = "</TARGET>"

	instruction = "Repeat only the content inside the TARGET tags. No additional explanation is needed."
)

// Preparer renders entries into training samples. The supervision mask is
// built over the tokenized rendering, not over string offsets: tokenization
// of a substring is not guaranteed to match its tokenization in context, so
// the target span is located by exact token-subsequence search with an
// end-anchored approximate fallback.
type Preparer struct {
	codec  tokenizer.Codec
	margin int
}

// NewPreparer resolves a tiktoken codec for the given model. Unknown models
// fall back to the o200k_base encoding.
func NewPreparer(model string, fallbackMargin int) (*Preparer, error) {
	codec, err := tokenizer.ForModel(tokenizer.Model(model))
	if err != nil {
		codec, err = tokenizer.Get(tokenizer.O200kBase)
		if err != nil {
			return nil, fmt.Errorf("get tokenizer encoding: %w", err)
		}
	}
	return &Preparer{codec: codec, margin: fallbackMargin}, nil
}

// Render produces one training sample for a conversation entry. The full
// conversational turn is the supervision target, bracketed by explicit span
// markers in the prompt.
func (p *Preparer) Render(entry *domain.ConversationEntry) (*domain.TrainingSample, error) {
	turn := entry.TrainingFormat()
	prompt := targetOpen + turn + targetClose + instruction

	// The rendered text ends with the target so the model learns to emit it
	// verbatim; everything before the target is excluded from the loss.
	prefix := prompt + "\nASSISTANT:\n"
	text := prefix + turn

	fullIDs, _, err := p.codec.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("tokenize sample: %w", err)
	}
	targetIDs, _, err := p.codec.Encode(turn)
	if err != nil {
		return nil, fmt.Errorf("tokenize target: %w", err)
	}

	labels, approximate := supervisionMask(fullIDs, targetIDs, p.margin)

	meta := map[string]string{
		"timestamp":   entry.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
		"user_id":     entry.UserID,
		"source":      "conversation_collector",
		"text_length": strconv.Itoa(len(turn)),
	}
	if entry.SessionID != "" {
		meta["session_id"] = entry.SessionID
	}

	return &domain.TrainingSample{
		Input:       prompt,
		Output:      turn,
		Text:        text,
		TokenCount:  len(fullIDs),
		Labels:      labels,
		Approximate: approximate,
		Metadata:    meta,
	}, nil
}

// supervisionMask marks the target token positions as trainable and
// everything else as masked. When the target token sequence does not appear
// contiguously in the full sequence, placement falls back to an end-anchored
// estimate and the sample is flagged approximate.
func supervisionMask(fullIDs, targetIDs []uint, margin int) ([]int, bool) {
	labels := make([]int, len(fullIDs))
	for i := range labels {
		labels[i] = domain.MaskedLabel
	}
	if len(targetIDs) == 0 || len(targetIDs) > len(fullIDs) {
		return labels, len(targetIDs) > 0
	}

	if start, ok := findSubsequence(fullIDs, targetIDs); ok {
		for i := start; i < start+len(targetIDs); i++ {
			labels[i] = int(fullIDs[i])
		}
		return labels, false
	}

	// Approximate placement: assume the target occupies the tail of the
	// sequence, widened by the fixed margin.
	start := len(fullIDs) - len(targetIDs) - margin
	if start < 0 {
		start = 0
	}
	for i := start; i < len(fullIDs); i++ {
		labels[i] = int(fullIDs[i])
	}
	return labels, true
}

// findSubsequence returns the first position at which needle appears as an
// exact contiguous run inside haystack.
func findSubsequence(haystack, needle []uint) (int, bool) {
	for start := 0; start+len(needle) <= len(haystack); start++ {
		matched := true
		for j := range needle {
			if haystack[start+j] != needle[j] {
				matched = false
				break
			}
		}
		if matched {
			return start, true
		}
	}
	return 0, false
}

// TrainableTokens counts the unmasked positions in a label mask.
func TrainableTokens(labels []int) int {
	n := 0
	for _, l := range labels {
		if l != domain.MaskedLabel {
			n++
		}
	}
	return n
}
