package database

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aihub/localkb-go/internal/logger"
)

// HealthChecker 数据库健康检查器，周期性Ping并记住最近一次结果
type HealthChecker struct {
	db       *gorm.DB
	interval time.Duration

	mu        sync.RWMutex
	healthy   bool
	lastCheck time.Time
	lastError error

	stop    chan struct{}
	running bool
}

// HealthStatus 健康检查结果快照
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(db *gorm.DB) *HealthChecker {
	return &HealthChecker{
		db:       db,
		interval: 30 * time.Second,
		stop:     make(chan struct{}),
	}
}

// SetInterval 设置检查间隔
func (hc *HealthChecker) SetInterval(interval time.Duration) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if interval > 0 {
		hc.interval = interval
	}
}

// Check 执行一次健康检查
func (hc *HealthChecker) Check(ctx context.Context) error {
	sqlDB, err := hc.db.DB()
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = sqlDB.PingContext(pingCtx)
		cancel()
	}

	hc.mu.Lock()
	hc.healthy = err == nil
	hc.lastCheck = time.Now()
	hc.lastError = err
	hc.mu.Unlock()

	return err
}

// Start 启动后台周期检查，重复调用无效果
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	interval := hc.interval
	hc.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := hc.Check(ctx); err != nil {
					logger.Warn("database health check failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			case <-hc.stop:
				return
			}
		}
	}()
}

// Stop 停止后台检查
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if !hc.running {
		return
	}
	hc.running = false
	close(hc.stop)
}

// Status 读取最近一次检查结果
func (hc *HealthChecker) Status() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := HealthStatus{
		Healthy:   hc.healthy,
		LastCheck: hc.lastCheck,
	}
	if hc.lastError != nil {
		status.LastError = hc.lastError.Error()
	}
	return status
}
