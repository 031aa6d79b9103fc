package knowledge

import (
	"strings"
)

// 句边界回看窗口，单位为rune
const boundaryLookback = 50

// Chunk 表示分块后的文本结构
type Chunk struct {
	Index int
	Text  string
}

// Chunker 文本分块器，固定窗口加句边界回看
type Chunker struct {
	chunkSize    int
	chunkOverlap int
}

// NewChunker 创建分块器
func NewChunker(chunkSize, overlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Chunker{
		chunkSize:    chunkSize,
		chunkOverlap: overlap,
	}
}

// Split 将文本切分为多个chunk。窗口末尾在最后50个rune内回找
// 句号或换行，找到则在边界后断开；最后一个窗口不回找。
// 窗口间以 chunkSize-chunkOverlap 步进，空白块被丢弃。
func (c *Chunker) Split(text string) []Chunk {
	clean := strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(clean) == "" {
		return nil
	}

	runes := []rune(clean)
	var chunks []Chunk

	step := c.chunkSize - c.chunkOverlap
	if step <= 0 {
		step = c.chunkSize
	}

	for start := 0; start < len(runes); start += step {
		sliceEnd := start + c.chunkSize
		if sliceEnd > len(runes) {
			sliceEnd = len(runes)
		}

		end := sliceEnd
		if sliceEnd < len(runes) {
			searchStart := sliceEnd - boundaryLookback
			if searchStart < start {
				searchStart = start
			}
			for i := sliceEnd - 1; i >= searchStart; i-- {
				if runes[i] == '.' || runes[i] == '\n' {
					end = i + 1
					break
				}
			}
		}

		chunkText := strings.TrimSpace(string(runes[start:end]))
		if chunkText != "" {
			chunks = append(chunks, Chunk{
				Index: len(chunks),
				Text:  chunkText,
			})
		}

		if sliceEnd == len(runes) {
			break
		}
	}

	return chunks
}
