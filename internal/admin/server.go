// Package admin はエージェントの状態を返す小さなHTTP APIを提供する
//
// 制御ループとは別のゴルーチンで動き、ループ側の統計値をアトミックに読むだけで
// ソケットや接続集合には触れない。
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Server は管理APIのHTTPサーバー
type Server struct {
	addr       string
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	log        zerolog.Logger
	errCh      chan error
}

// New は Gin ベースの管理APIサーバーを作成する
func New(addr string, h *Handler, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery(), accessLog(log))
	h.register(engine)

	return &Server{
		addr:   addr,
		engine: engine,
		httpServer: &http.Server{
			Handler:           engine,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log:   log,
		errCh: make(chan error, 1),
	}
}

// Start は待ち受けを開始し、別ゴルーチンで配信する
// バインドの失敗はここで返す
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("管理APIの起動に失敗: %w", err)
	}
	s.listener = ln

	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("管理APIを起動しました")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}
		close(s.errCh)
	}()

	return nil
}

// Addr は実際の待ち受けアドレスを返す
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("管理APIのシャットダウンに失敗: %w", err)
	}
	if err := <-s.errCh; err != nil {
		return fmt.Errorf("管理APIが異常終了しました: %w", err)
	}

	s.log.Info().Msg("管理APIを停止しました")
	return nil
}

// accessLog はリクエストごとにログを1行出すミドルウェア
func accessLog(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("管理APIリクエスト")
	}
}
