package extract

import "strings"

// Chunker splits text into overlapping windows for embedding. Chunk
// boundaries back off to the nearest natural break (paragraph, line,
// then sentence) within the last backtrack bytes of the window before
// falling back to a hard cut.
type Chunker struct {
	Size      int
	Overlap   int
	Backtrack int
}

// NewChunker returns the standard 300/50 chunker
func NewChunker() *Chunker {
	return &Chunker{Size: 300, Overlap: 50, Backtrack: 50}
}

// Chunk splits text. Every rune of input appears in at least one
// chunk, and consecutive chunks overlap by roughly Overlap bytes.
func (c *Chunker) Chunk(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if len(text) <= c.Size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + c.Size
		if end >= len(text) {
			chunk := text[start:]
			if strings.TrimSpace(chunk) != "" {
				chunks = append(chunks, chunk)
			}
			break
		}

		breakpoint := c.findBreak(text, start, end)
		chunk := text[start:breakpoint]
		if strings.TrimSpace(chunk) != "" {
			chunks = append(chunks, chunk)
		}

		next := breakpoint - c.Overlap
		if next <= start {
			next = breakpoint
		}
		start = next
	}
	return chunks
}

// findBreak scans the last Backtrack bytes of the window for the best
// natural boundary and returns the cut position after it.
func (c *Chunker) findBreak(text string, start, end int) int {
	windowStart := end - c.Backtrack
	if windowStart < start {
		windowStart = start
	}
	window := text[windowStart:end]

	if i := strings.LastIndex(window, "\n\n"); i >= 0 {
		return windowStart + i + 2
	}
	if i := strings.LastIndex(window, "\n"); i >= 0 {
		return windowStart + i + 1
	}
	if i := strings.LastIndex(window, ". "); i >= 0 {
		return windowStart + i + 2
	}
	return end
}
