// Package shutdown は停止要求を制御ループのキャンセルに変換する
//
// 1回目の要求でループの context をキャンセルし、ループは次の反復の境目で終了する。
// 2回目の要求は後始末を待たずにプロセスを終了させる。
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
)

// Controller は停止要求の回数を数える
type Controller struct {
	cancel   context.CancelFunc
	force    func()
	requests atomic.Int32
	log      zerolog.Logger
}

// New は Controller を作成する
// force が nil なら終了コード1でプロセスを終了する
func New(cancel context.CancelFunc, force func(), log zerolog.Logger) *Controller {
	if force == nil {
		force = func() { os.Exit(1) }
	}
	return &Controller{cancel: cancel, force: force, log: log}
}

// Request は停止要求を1回受け付ける
func (c *Controller) Request() {
	switch c.requests.Add(1) {
	case 1:
		c.log.Info().Msg("シャットダウンしています...")
		c.cancel()
	case 2:
		c.log.Warn().Msg("2回目の停止要求を受け取りました。強制終了します")
		c.force()
	}
}

// Requested は停止要求を受けたかどうかを返す
func (c *Controller) Requested() bool {
	return c.requests.Load() > 0
}

// Watch は SIGINT と SIGTERM を Request に変換するゴルーチンを起動する
// 返り値の関数でシグナルの監視を止める
func (c *Controller) Watch() (stop func()) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				c.log.Info().Str("signal", sig.String()).Msg("シグナルを受信しました")
				c.Request()
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
