package admin

import (
	"time"

	"staticagent/internal/dispatcher"
	"staticagent/internal/webserver"
)

// HealthStatus はヘルスチェックの結果
type HealthStatus string

const (
	Healthy  HealthStatus = "healthy"
	Stopping HealthStatus = "stopping"
)

// HealthResponse は /health のレスポンス
type HealthResponse struct {
	Status    HealthStatus `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}

// WebserverInfo は組み込みWebサーバーの状態
type WebserverInfo struct {
	Address string          `json:"address"`
	Source  string          `json:"source"` // "internal" またはドキュメントルート
	Stats   webserver.Stats `json:"stats"`
}

// StatusResponse は /api/status のレスポンス
type StatusResponse struct {
	Status    HealthStatus     `json:"status"`
	Uptime    string           `json:"uptime"`
	Loop      dispatcher.Stats `json:"loop"`
	Webserver *WebserverInfo   `json:"webserver,omitempty"` // 無効なら省略
	Timestamp time.Time        `json:"timestamp"`
}

// Provider は管理APIが読む統計情報の取得元
// どのメソッドも制御ループとは別のゴルーチンから呼ばれる
type Provider interface {
	LoopStats() dispatcher.Stats
	// WebserverInfo はWebサーバーが無効なら nil
	WebserverInfo() *WebserverInfo
	Stopping() bool
}
