package rag

import (
	"fmt"
	"strings"
	"unicode"
)

const DefaultContextChars = 1200

// ContextBuilder renders retrieval hits as cited context blocks
type ContextBuilder struct {
	maxChars int
}

// NewContextBuilder creates a builder truncating each chunk to maxChars runes
func NewContextBuilder(maxChars int) *ContextBuilder {
	if maxChars <= 0 {
		maxChars = DefaultContextChars
	}
	return &ContextBuilder{maxChars: maxChars}
}

// Build formats hits as "[doc:chunk] (pA-B | section)" headers followed by text
func (cb *ContextBuilder) Build(hits []Hit) string {
	blocks := make([]string, 0, len(hits))
	for _, h := range hits {
		header := fmt.Sprintf("[%d:%d]", h.DocID, h.ChunkID)
		var meta []string
		if h.PageStart != nil {
			pages := fmt.Sprintf("p%d", *h.PageStart)
			if h.PageEnd != nil && *h.PageEnd != 0 && *h.PageEnd != *h.PageStart {
				pages += fmt.Sprintf("-%d", *h.PageEnd)
			}
			meta = append(meta, pages)
		}
		if h.SectionPath != nil && *h.SectionPath != "" {
			meta = append(meta, *h.SectionPath)
		}
		if len(meta) > 0 {
			header += " (" + strings.Join(meta, " | ") + ")"
		}
		blocks = append(blocks, header+"\n"+truncate(strings.TrimSpace(h.Text), cb.maxChars))
	}
	return strings.Join(blocks, "\n\n---\n\n")
}

// ChunkIDs extracts chunk IDs from hits in rank order
func ChunkIDs(hits []Hit) []int64 {
	ids := make([]int64, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ChunkID)
	}
	return ids
}

func truncate(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return strings.TrimRightFunc(string(r[:maxRunes]), unicode.IsSpace) + "…"
}
