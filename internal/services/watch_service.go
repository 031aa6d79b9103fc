package services

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/aihub/localkb-go/internal/knowledge"
	"github.com/aihub/localkb-go/internal/logger"
)

// WatchService 监听导入目录，落盘的文档自动进入导入流水线。
// 写入事件做去抖，等待文件写完再导入。
type WatchService struct {
	ingest          *IngestService
	dir             string
	knowledgeBaseID string
	debounce        time.Duration

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	timers  map[string]*time.Timer
	done    chan struct{}
}

// NewWatchService 创建目录监听服务
func NewWatchService(ingest *IngestService, dir, knowledgeBaseID string, debounce time.Duration) *WatchService {
	if debounce <= 0 {
		debounce = 800 * time.Millisecond
	}
	return &WatchService{
		ingest:          ingest,
		dir:             dir,
		knowledgeBaseID: knowledgeBaseID,
		debounce:        debounce,
		timers:          make(map[string]*time.Timer),
		done:            make(chan struct{}),
	}
}

// Start 开始监听。目录不存在时自动创建
func (s *WatchService) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher

	go s.loop(ctx)
	logger.Info("watching import directory", zap.String("dir", s.dir))
	return nil
}

func (s *WatchService) loop(ctx context.Context) {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if knowledge.DetectFileType(event.Name) == "" {
				continue
			}
			s.schedule(ctx, event.Name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("watcher error", zap.Error(err))
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// schedule 同一文件的连续写入只触发最后一次导入
func (s *WatchService) schedule(ctx context.Context, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[path]; ok {
		timer.Stop()
	}
	s.timers[path] = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		delete(s.timers, path)
		s.mu.Unlock()

		result := s.ingest.Ingest(ctx, path, IngestOptions{
			KnowledgeBaseID: s.knowledgeBaseID,
		})
		if !result.Success {
			logger.Warn("watched file ingest failed",
				zap.String("path", path), zap.String("message", result.Message))
		}
	})
}

// Stop 停止监听并取消未触发的导入
func (s *WatchService) Stop() {
	close(s.done)
	if s.watcher != nil {
		s.watcher.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for path, timer := range s.timers {
		timer.Stop()
		delete(s.timers, path)
	}
}
