// Package ai holds the vision model clients that turn images into captions.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"captionai/pkg/domain"
)

// CaptionRequest asks for caption variants for a single normalized image.
type CaptionRequest struct {
	ImageJPEG []byte
	Style     domain.CaptionStyle
	Context   string
	Variants  int
}

// Captioner generates caption variants from an image.
// All vision providers (OpenAI-compatible, Gemini) implement this interface.
type Captioner interface {
	Captions(ctx context.Context, req CaptionRequest) ([]string, error)
}

var styleInstructions = map[domain.CaptionStyle]string{
	domain.StyleProfessional:  "Write polished, professional captions suitable for a business or brand account.",
	domain.StyleFriendly:      "Write warm, friendly captions that feel personal and approachable.",
	domain.StyleFunny:         "Write witty, humorous captions. Puns and playful exaggeration are welcome.",
	domain.StyleMinimalist:    "Write very short, understated captions. A few words at most, no hashtags.",
	domain.StyleInspirational: "Write uplifting, motivational captions that inspire the reader.",
	domain.StyleCasual:        "Write relaxed, conversational captions like a note to a friend.",
}

// captionPrompt builds the instruction sent alongside the image.
func captionPrompt(req CaptionRequest) string {
	var b strings.Builder
	b.WriteString("You write social media captions for images. ")
	if instr, ok := styleInstructions[req.Style]; ok {
		b.WriteString(instr)
	} else {
		b.WriteString(styleInstructions[domain.StyleCasual])
	}
	if ctx := strings.TrimSpace(req.Context); ctx != "" {
		fmt.Fprintf(&b, " Additional context from the user: %s.", ctx)
	}
	fmt.Fprintf(&b, " Produce exactly %d distinct caption options for the attached image.", req.Variants)
	b.WriteString(` Respond with only a JSON array of strings, e.g. ["first caption","second caption"]. No markdown, no numbering, no extra text.`)
	return b.String()
}

// parseCaptions extracts caption strings from a model response. The primary
// format is a JSON array; plain-line output is accepted as a fallback because
// smaller models do not always honor the format instruction.
func parseCaptions(raw string, want int) ([]string, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var parsed []string
	if start := strings.Index(raw, "["); start >= 0 {
		if end := strings.LastIndex(raw, "]"); end > start {
			if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err == nil {
				parsed = cleanCaptions(parsed)
			}
		}
	}
	if len(parsed) == 0 {
		parsed = cleanCaptions(strings.Split(raw, "\n"))
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("model returned no captions")
	}
	if len(parsed) > want {
		parsed = parsed[:want]
	}
	return parsed, nil
}

func cleanCaptions(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		c = strings.TrimPrefix(c, "- ")
		c = strings.Trim(c, `"`)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}
