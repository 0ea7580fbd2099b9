package protocol

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/sr198/motion-by-aiselu/internal/metrics"
)

// Extraction strategies, in precedence order:
//
//  1. fenced: a ```json block; only the lines strictly between the markers
//     are decoded. A fenced block that fails to decode does not fall
//     through to substring attempts.
//  2. scan: regex search anywhere in the text, gated on the hint words
//     "soap", "report" or "exercise". A narrow soap_draft-specific pattern
//     is tried before the general "type"-keyed pattern.
//  3. fallback: the whole raw text wrapped as a chat_message.
//
// A decode failure on one candidate never aborts evaluation of the next.

const fenceOpen = "```json"
const fenceClose = "```"

var (
	// Narrow pattern: an object whose brace-free head declares
	// "type" ... "soap_draft". Greedy tail so nested report braces stay
	// inside the match.
	soapDraftPattern = regexp.MustCompile(`(?s)\{[^{}]*"type"[^{}]*"soap_draft".*\}`)

	// General pattern: any brace-delimited object containing a "type" key.
	anyTypePattern = regexp.MustCompile(`(?s)\{.*?"type".*?\}`)
)

// Extract recovers a StructuredMessage from raw agent text. It never fails:
// when no typed payload can be recovered the raw text comes back verbatim as
// a chat_message.
func Extract(raw string) *StructuredMessage {
	if msg := extractFenced(raw); msg != nil {
		metrics.ExtractionsTotal.WithLabelValues("fenced").Inc()
		return msg
	}

	if hasStructuredHint(raw) {
		if msg := scanAnywhere(raw); msg != nil {
			metrics.ExtractionsTotal.WithLabelValues("scan").Inc()
			return msg
		}
	}

	metrics.ExtractionsTotal.WithLabelValues("fallback").Inc()
	return NewChat(raw)
}

// hasStructuredHint gates the regex scan so plain chat text skips it.
func hasStructuredHint(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.Contains(lower, "soap") ||
		strings.Contains(lower, "report") ||
		strings.Contains(lower, "exercise")
}

// extractFenced pulls the lines strictly between the ```json marker and the
// closing bare fence, then strict-decodes them. Returns nil if there is no
// fenced block or the block does not decode.
func extractFenced(raw string) *StructuredMessage {
	if !strings.Contains(strings.ToLower(raw), fenceOpen) {
		return nil
	}

	var body []string
	inBlock := false
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if !inBlock {
			if strings.Contains(strings.ToLower(trimmed), fenceOpen) {
				inBlock = true
			}
			continue
		}
		if trimmed == fenceClose {
			break
		}
		body = append(body, line)
	}

	joined := strings.TrimSpace(strings.Join(body, "\n"))
	if joined == "" {
		return nil
	}
	return decodeCandidate(joined)
}

// scanAnywhere searches the full text for embedded JSON objects, trying the
// narrow soap_draft pattern before the general one. Candidates are decoded
// in order of discovery; the first that decodes wins.
func scanAnywhere(raw string) *StructuredMessage {
	for _, pattern := range []*regexp.Regexp{soapDraftPattern, anyTypePattern} {
		for _, candidate := range pattern.FindAllString(raw, -1) {
			if msg := decodeCandidate(strings.TrimSpace(candidate)); msg != nil {
				return msg
			}
		}
	}
	return nil
}

// decodeCandidate strict-decodes one JSON candidate. Unknown keys are
// ignored; a known type with missing required fields is rejected.
func decodeCandidate(s string) *StructuredMessage {
	var msg StructuredMessage
	if err := json.Unmarshal([]byte(s), &msg); err != nil {
		return nil
	}
	if err := msg.Validate(); err != nil {
		return nil
	}
	return &msg
}
