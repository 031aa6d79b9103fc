package knowledge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/aihub/localkb-go/internal/errors"
	"github.com/aihub/localkb-go/internal/ollama"
)

// ResolverOptions 向量化后端的可选项
type ResolverOptions struct {
	// Backend 取值 auto | local | ollama | openai
	Backend       string
	OllamaService *ollama.Service
	OllamaModel   string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
}

// Resolver 按配置解析向量化后端并记住结果，配置变更后
// 调用 Invalidate 强制下次重新解析。解析本身不做连通性探测，
// 远端不可用在Embed时报错。
type Resolver struct {
	mu       sync.Mutex
	opts     ResolverOptions
	embedder Embedder
	backend  string
}

// NewResolver 创建后端解析器
func NewResolver(opts ResolverOptions) *Resolver {
	return &Resolver{opts: opts}
}

// Resolve 返回生效的后端名与实现，结果被记住直到失效
func (r *Resolver) Resolve() (string, Embedder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked()
}

func (r *Resolver) resolveLocked() (string, Embedder, error) {
	if r.embedder != nil {
		return r.backend, r.embedder, nil
	}

	backend := strings.ToLower(strings.TrimSpace(r.opts.Backend))
	if backend == "" || backend == "auto" {
		backend = "local"
	}

	var embedder Embedder
	switch backend {
	case "local":
		embedder = NewLocalEmbedder()
	case "ollama":
		if r.opts.OllamaService == nil {
			return "", nil, apperrors.NewBusinessError(apperrors.ErrCodeEmbeddingFailed,
				"ollama embedding backend selected but service not configured")
		}
		embedder = NewOllamaEmbedder(r.opts.OllamaService, r.opts.OllamaModel)
	case "openai":
		embedder = NewOpenAIEmbedder(r.opts.OpenAIAPIKey, r.opts.OpenAIBaseURL, r.opts.OpenAIModel)
		if !embedder.Ready() {
			return "", nil, apperrors.NewBusinessError(apperrors.ErrCodeEmbeddingFailed,
				"openai embedding backend selected but api key missing")
		}
	default:
		return "", nil, apperrors.NewValidationError(
			fmt.Sprintf("unknown embedding backend: %s", backend))
	}

	r.backend = backend
	r.embedder = embedder
	return backend, embedder, nil
}

// Invalidate 丢弃已解析的后端
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embedder = nil
	r.backend = ""
}

// UpdateOptions 替换配置并失效缓存
func (r *Resolver) UpdateOptions(opts ResolverOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts = opts
	r.embedder = nil
	r.backend = ""
}

// Embed 实现Embedder，空白文本直接返回空向量，不触达后端
func (r *Resolver) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return []float32{}, nil
	}

	backend, embedder, err := r.Resolve()
	if err != nil {
		return nil, err
	}

	vector, err := embedder.Embed(ctx, text)
	if err != nil {
		return nil, apperrors.NewBusinessError(apperrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("embedding via %s failed", backend)).WithCause(err)
	}
	return vector, nil
}

func (r *Resolver) Dimensions() int {
	_, embedder, err := r.Resolve()
	if err != nil {
		return 0
	}
	return embedder.Dimensions()
}

func (r *Resolver) Ready() bool {
	_, embedder, err := r.Resolve()
	return err == nil && embedder.Ready()
}
