// Package mask redacts sensitive information found in response bodies.
// Redaction is type-specific: numbers keep enough digits to stay
// recognizable, everything else collapses to a fixed sentinel.
package mask

import (
	"log/slog"
	"strings"

	"github.com/llmshield/llmshield/internal/rules"
)

const defaultMask = "****"

// Info records one applied redaction.
type Info struct {
	Type           string `json:"type"`
	Start          int    `json:"start"`
	End            int    `json:"end"`
	OriginalLength int    `json:"original_length"`
	MaskedLength   int    `json:"masked_length"`
}

// Masker scans text with the sensitive-info patterns of the current rule
// snapshot and applies per-type redaction.
type Masker struct {
	store  *rules.Store
	logger *slog.Logger
}

// New creates a masker bound to a rule store.
func New(store *rules.Store, logger *slog.Logger) *Masker {
	return &Masker{store: store, logger: logger}
}

// MaskText redacts every sensitive match in text. Replacements are applied
// in reverse offset order per pattern so earlier indices stay valid; later
// patterns run against the already-masked text and therefore never re-match
// redacted spans.
func (m *Masker) MaskText(text string) (string, []Info) {
	masked := text
	var infos []Info

	for _, sp := range m.store.Snapshot().Sensitive() {
		locs := sp.Pattern.FindAllStringIndex(masked, -1)
		for i := len(locs) - 1; i >= 0; i-- {
			start, end := locs[i][0], locs[i][1]
			value := maskValue(sp.Type, masked[start:end])
			masked = masked[:start] + value + masked[end:]
			infos = append(infos, Info{
				Type:           sp.Type,
				Start:          start,
				End:            end,
				OriginalLength: end - start,
				MaskedLength:   len(value),
			})
		}
	}
	return masked, infos
}

// MaskResponse extracts the user-visible text from a response body, masks
// it, and writes the result back into the body's canonical location. The
// returned count is the number of redactions; zero means the body was left
// untouched.
func (m *Masker) MaskResponse(body any) (any, int) {
	obj, ok := body.(map[string]any)
	if !ok {
		return body, 0
	}

	text := responseText(obj)
	if text == "" {
		return body, 0
	}

	masked, infos := m.MaskText(text)
	if len(infos) == 0 {
		return body, 0
	}

	updated, ok := updateResponseText(obj, masked)
	if !ok {
		m.logger.Warn("unrecognized response shape, masking skipped")
		return body, 0
	}
	return updated, len(infos)
}

// maskValue applies the per-type redaction policy.
func maskValue(patternType, matched string) string {
	switch patternType {
	case "credit_card":
		// Keep first and last four so the card stays identifiable.
		if len(matched) >= 12 {
			return matched[:4] + strings.Repeat("*", len(matched)-8) + matched[len(matched)-4:]
		}
		if len(matched) >= 4 {
			return strings.Repeat("*", len(matched)-4) + matched[len(matched)-4:]
		}
		return defaultMask
	case "email":
		parts := strings.SplitN(matched, "@", 2)
		if len(parts) == 2 && len(parts[0]) > 0 {
			return parts[0][:1] + strings.Repeat("*", len(parts[0])-1) + "@" + parts[1]
		}
		return defaultMask
	case "phone", "phone_number", "id_card":
		if len(matched) >= 7 {
			return matched[:3] + strings.Repeat("*", len(matched)-7) + matched[len(matched)-4:]
		}
		return defaultMask
	default:
		return defaultMask
	}
}

// responseText mirrors the shapes the detector extracts from, restricted to
// bodies the update step can write back to.
func responseText(body map[string]any) string {
	if choices, ok := body["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if msg, ok := choice["message"].(map[string]any); ok {
				if content, ok := msg["content"].(string); ok {
					return content
				}
			}
			if text, ok := choice["text"].(string); ok {
				return text
			}
		}
		return ""
	}
	if msg, ok := body["message"].(map[string]any); ok {
		if content, ok := msg["content"].(string); ok {
			return content
		}
	}
	for _, key := range []string{"content", "response", "text", "output", "completion"} {
		if v, ok := body[key].(string); ok {
			return v
		}
	}
	return ""
}

// updateResponseText writes masked text back into a copy of the body at the
// same location responseText read it from.
func updateResponseText(body map[string]any, text string) (map[string]any, bool) {
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}

	if choices, ok := out["choices"].([]any); ok && len(choices) > 0 {
		choice, ok := choices[0].(map[string]any)
		if !ok {
			return nil, false
		}
		newChoice := make(map[string]any, len(choice))
		for k, v := range choice {
			newChoice[k] = v
		}
		if msg, ok := newChoice["message"].(map[string]any); ok {
			newMsg := make(map[string]any, len(msg))
			for k, v := range msg {
				newMsg[k] = v
			}
			newMsg["content"] = text
			newChoice["message"] = newMsg
		} else if _, ok := newChoice["text"]; ok {
			newChoice["text"] = text
		} else {
			return nil, false
		}
		newChoices := append([]any(nil), choices...)
		newChoices[0] = newChoice
		out["choices"] = newChoices
		return out, true
	}

	if msg, ok := out["message"].(map[string]any); ok {
		if _, ok := msg["content"].(string); ok {
			newMsg := make(map[string]any, len(msg))
			for k, v := range msg {
				newMsg[k] = v
			}
			newMsg["content"] = text
			out["message"] = newMsg
			return out, true
		}
	}

	for _, key := range []string{"content", "response", "text", "output", "completion"} {
		if _, ok := out[key].(string); ok {
			out[key] = text
			return out, true
		}
	}
	return nil, false
}
