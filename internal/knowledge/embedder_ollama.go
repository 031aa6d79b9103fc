package knowledge

import (
	"context"
	"errors"
	"strings"

	"github.com/aihub/localkb-go/internal/ollama"
)

// nomic-embed-text 输出768维
const ollamaEmbeddingDimensions = 768

// OllamaEmbedder 通过本地Ollama实例计算向量
type OllamaEmbedder struct {
	service *ollama.Service
	model   string
}

// NewOllamaEmbedder 创建Ollama向量化器
func NewOllamaEmbedder(service *ollama.Service, model string) *OllamaEmbedder {
	if model == "" {
		model = "nomic-embed-text:latest"
	}
	return &OllamaEmbedder{
		service: service,
		model:   model,
	}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("text is empty")
	}
	if e.service == nil {
		return nil, errors.New("ollama service not initialized")
	}
	return e.service.Embeddings(ctx, e.model, text)
}

func (e *OllamaEmbedder) Dimensions() int {
	return ollamaEmbeddingDimensions
}

func (e *OllamaEmbedder) Ready() bool {
	return e.service != nil
}
