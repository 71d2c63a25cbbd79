package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/pkg/errors"
)

const maxInputSummary = 500

// InputItem is one element of a turn's user input.
type InputItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// SummarizeInput joins the text items and truncates to 500 runes.
func SummarizeInput(items []InputItem) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		if it.Type == "text" {
			parts = append(parts, it.Text)
		}
	}
	s := strings.Join(parts, "\n")
	if r := []rune(s); len(r) > maxInputSummary {
		s = string(r[:maxInputSummary])
	}
	return s
}

// Fingerprint is the sha256 of the RFC 8785 canonical form of items.
func Fingerprint(items []InputItem) (string, error) {
	if items == nil {
		items = []InputItem{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return "", errors.Wrap(err, "dispatch: encode input")
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", errors.Wrap(err, "dispatch: canonicalize input")
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
