package knowledge

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// LocalEmbedderDimensions 本地向量维度
const LocalEmbedderDimensions = 384

// LocalEmbedder 纯本地的确定性向量化实现。对分词结果做特征哈希，
// 同一文本永远得到同一向量，无需任何外部服务。召回质量不如
// 真实嵌入模型，但保证离线可用。
type LocalEmbedder struct {
	dimensions int
}

// NewLocalEmbedder 创建本地向量化器
func NewLocalEmbedder() *LocalEmbedder {
	return &LocalEmbedder{dimensions: LocalEmbedderDimensions}
}

func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vector := make([]float32, e.dimensions)

	tokens := tokenize(text)
	for i, token := range tokens {
		addFeature(vector, token)
		// 相邻词对，保留一点词序信息
		if i+1 < len(tokens) {
			addFeature(vector, token+" "+tokens[i+1])
		}
	}

	// L2归一化，余弦相似度退化为点积
	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vector {
			vector[i] *= scale
		}
	}

	return vector, nil
}

func (e *LocalEmbedder) Dimensions() int {
	return e.dimensions
}

func (e *LocalEmbedder) Ready() bool {
	return true
}

func addFeature(vector []float32, token string) {
	h := fnv.New64a()
	h.Write([]byte(token))
	sum := h.Sum64()

	idx := int(sum % uint64(len(vector)))
	// 最高位决定符号，抵消哈希碰撞的系统性偏移
	if sum&(1<<63) != 0 {
		vector[idx] -= 1
	} else {
		vector[idx] += 1
	}
}

// tokenize 小写化后按字母数字连续段切词，CJK字符单字成词
func tokenize(text string) []string {
	var tokens []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			current.WriteRune(r)
		default:
			flush()
		}
	}
	flush()

	return tokens
}
