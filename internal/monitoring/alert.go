package monitoring

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 一条运维告警
type Alert struct {
	Key       string     `json:"key"` // 去重键
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Level     AlertLevel `json:"level"`
	Component string     `json:"component"`
	Timestamp time.Time  `json:"timestamp"`
}

// AlertManager 结构化告警出口。
// 当前实现写入日志（运维侧用日志采集接告警通道），
// 并对相同 Key 的告警做冷却去重。
type AlertManager struct {
	log      *zap.Logger
	cooldown time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewAlertManager 创建告警管理器
func NewAlertManager(log *zap.Logger) *AlertManager {
	return &AlertManager{
		log:      log,
		cooldown: 5 * time.Minute,
		lastSent: make(map[string]time.Time),
	}
}

// Trigger 触发一条告警。冷却期内的重复告警被抑制。
func (am *AlertManager) Trigger(alert *Alert) {
	am.mu.Lock()
	if last, ok := am.lastSent[alert.Key]; ok && time.Since(last) < am.cooldown {
		am.mu.Unlock()
		return
	}
	am.lastSent[alert.Key] = time.Now()
	am.mu.Unlock()

	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	fields := []zap.Field{
		zap.String("alert_key", alert.Key),
		zap.String("component", alert.Component),
		zap.String("level", string(alert.Level)),
		zap.String("message", alert.Message),
		zap.Time("alert_time", alert.Timestamp),
	}

	switch alert.Level {
	case AlertLevelCritical:
		am.log.Error("ALERT: "+alert.Title, fields...)
	default:
		am.log.Warn("ALERT: "+alert.Title, fields...)
	}
}
