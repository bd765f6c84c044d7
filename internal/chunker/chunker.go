// Package chunker splits long text into overlapping windows sized for
// embedding, snapping window boundaries to paragraph and sentence breaks so
// a chunk reads as a complete thought rather than a mid-sentence cut.
package chunker

import "strings"

const (
	// DefaultTargetTokens is the nominal chunk size, in tokens.
	DefaultTargetTokens = 400
	// DefaultOverlapTokens is how much of the previous chunk reappears at
	// the start of the next one.
	DefaultOverlapTokens = 80
	// charsPerToken is the crude token-to-character ratio used throughout
	// this package; good enough for sizing windows, not for billing.
	charsPerToken = 4
	// messageTokenThreshold is the point past which a single message is
	// re-chunked rather than ingested as one unit.
	messageTokenThreshold = 2000
)

// Chunk splits text into ordered, non-empty windows using the default
// target and overlap sizes.
func Chunk(text string) []string {
	return ChunkWithSizes(text, DefaultTargetTokens, DefaultOverlapTokens)
}

// ChunkWithSizes splits text into ordered, non-empty windows of roughly
// targetTokens tokens each, with roughly overlapTokens of overlap between
// consecutive windows. Window ends prefer a blank-line boundary, falling
// back to a sentence boundary, before falling back to a hard cut.
func ChunkWithSizes(text string, targetTokens, overlapTokens int) []string {
	length := len(text)
	if length == 0 {
		return nil
	}

	var chunks []string
	start := 0
	for {
		end := start + charsPerToken*targetTokens
		if end > length {
			end = length
		}

		if end < length {
			rangeStart := start + 2*targetTokens
			if rangeStart < start {
				rangeStart = start
			}
			if rangeStart > end {
				rangeStart = end
			}

			window := text[rangeStart:end]
			if idx := strings.LastIndex(window, "\n\n"); idx >= 0 {
				end = rangeStart + idx + len("\n\n")
			} else if idx := strings.LastIndex(window, ". "); idx >= 0 {
				end = rangeStart + idx + len(".")
			}
		}

		if piece := strings.TrimSpace(text[start:end]); piece != "" {
			chunks = append(chunks, piece)
		}

		if end >= length {
			break
		}

		newStart := end - charsPerToken*overlapTokens
		if newStart <= start {
			newStart = start + 1
		}
		start = newStart
	}

	return chunks
}

// ChunkMessage rehydrates one captured message into one or more chunks: a
// single chunk for ordinary messages, or a full chunk() pass for messages
// long enough that embedding them whole would blow the context budget.
func ChunkMessage(text string) []string {
	if len(text) <= charsPerToken*messageTokenThreshold {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}
	return Chunk(text)
}
