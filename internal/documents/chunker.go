package documents

import (
	"strings"
	"unicode/utf8"
)

const (
	DefaultMaxChars = 5000
	DefaultMinChars = 800
)

// ChunkOptions bounds chunk sizes in runes
type ChunkOptions struct {
	MaxChars int
	MinChars int
}

// DefaultChunkOptions returns the standard chunk bounds
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{MaxChars: DefaultMaxChars, MinChars: DefaultMinChars}
}

// ChunkSpec is a chunk before it is persisted
type ChunkSpec struct {
	Index       int
	Text        string
	PageStart   int
	PageEnd     int
	SectionPath *string
	TokenCount  int
}

type chunkBuffer struct {
	parts []string
	runes int
	first int
	last  int
}

func (b *chunkBuffer) add(page int, para string, n int) {
	if len(b.parts) == 0 {
		b.first, b.last = page, page
	} else {
		b.runes += len(paragraphSep)
		b.first = min(b.first, page)
		b.last = max(b.last, page)
	}
	b.parts = append(b.parts, para)
	b.runes += n
}

const paragraphSep = "\n\n"

// Chunk packs paragraphs greedily into chunks. A buffer is flushed before a
// paragraph that would push it past MaxChars, but only once it holds at
// least MinChars. A single oversized paragraph becomes its own chunk.
func Chunk(ex *Extraction, opts ChunkOptions) []ChunkSpec {
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	if opts.MinChars < 0 {
		opts.MinChars = 0
	}

	var (
		out []ChunkSpec
		buf chunkBuffer
	)
	flush := func() {
		if len(buf.parts) == 0 {
			return
		}
		text := strings.TrimSpace(strings.Join(buf.parts, paragraphSep))
		if text != "" {
			out = append(out, ChunkSpec{
				Index:      len(out),
				Text:       text,
				PageStart:  buf.first,
				PageEnd:    buf.last,
				TokenCount: estimateTokens(text),
			})
		}
		buf = chunkBuffer{}
	}

	for _, page := range ex.Pages {
		for _, para := range strings.Split(page.Text, paragraphSep) {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			n := utf8.RuneCountInString(para)
			sep := 0
			if len(buf.parts) > 0 {
				sep = len(paragraphSep)
			}
			if buf.runes+sep+n > opts.MaxChars && buf.runes >= opts.MinChars {
				flush()
			}
			buf.add(page.Number, para, n)
		}
	}
	flush()
	return out
}

func estimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}
