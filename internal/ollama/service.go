package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/aihub/localkb-go/internal/errors"
	"github.com/aihub/localkb-go/internal/logger"
)

// Message 对话消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Service 本地Ollama实例的HTTP客户端
type Service struct {
	baseURL string
	// 生成时长不可预估，流式请求不设超时
	streamClient *http.Client
	embedClient  *http.Client
	pingClient   *http.Client
}

// NewService 创建Ollama客户端
func NewService(baseURL string) *Service {
	return &Service{
		baseURL:      strings.TrimRight(baseURL, "/"),
		streamClient: &http.Client{},
		embedClient:  &http.Client{Timeout: 60 * time.Second},
		pingClient:   &http.Client{Timeout: 3 * time.Second},
	}
}

// Ping 探测Ollama是否可达
func (s *Service) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}

	resp, err := s.pingClient.Do(req)
	if err != nil {
		return apperrors.NewExternalError("ollama", "service unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperrors.NewExternalError("ollama", fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
	return nil
}

// Embeddings 计算单条文本的向量
func (s *Service) Embeddings(ctx context.Context, model, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: model, Prompt: text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.embedClient.Do(req)
	if err != nil {
		return nil, apperrors.NewExternalError("ollama", "embeddings request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, apperrors.NewExternalError("ollama",
			fmt.Sprintf("embeddings status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.NewExternalError("ollama", "invalid embeddings response").WithCause(err)
	}
	if len(out.Embedding) == 0 {
		return nil, apperrors.NewExternalError("ollama", "empty embedding in response")
	}

	vector := make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vector[i] = float32(v)
	}
	return vector, nil
}

// ChatStream 流式对话。响应体为NDJSON，每行一个JSON对象，
// 逐行解析并通过onToken回调增量内容，遇到done为止。
func (s *Service) ChatStream(ctx context.Context, model string, messages []Message, onToken func(token string)) error {
	body, err := json.Marshal(chatRequest{Model: model, Messages: messages, Stream: true})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.streamClient.Do(req)
	if err != nil {
		return apperrors.NewExternalError("ollama", "chat request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return apperrors.NewExternalError("ollama",
			fmt.Sprintf("chat status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event chatResponse
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			// 个别残缺行直接跳过，不中断整个流
			logger.Debug("ollama: skip malformed stream line", zap.String("line", line))
			continue
		}

		if event.Message.Content != "" {
			onToken(event.Message.Content)
		}
		if event.Done {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return apperrors.NewExternalError("ollama", "chat stream interrupted").WithCause(err)
	}
	return nil
}
