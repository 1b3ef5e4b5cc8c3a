// Package agent は設定からエージェント全体を組み立てて実行する
//
// 制御ループ、組み込みWebサーバー、管理API、停止制御をひとつにまとめる。
// ループとWebサーバーは Run を呼んだゴルーチンだけで動く。
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"staticagent/internal/admin"
	"staticagent/internal/config"
	"staticagent/internal/content"
	"staticagent/internal/dispatcher"
	"staticagent/internal/docroot"
	"staticagent/internal/resource"
	"staticagent/internal/shutdown"
	"staticagent/internal/webserver"
)

const (
	statsInterval   = time.Minute
	shutdownTimeout = 5 * time.Second

	// internalSource は組み込みコンテンツを配信しているときの取得元の名前
	internalSource = "internal"
)

// Env はプロセス全体で共有する実行環境
type Env struct {
	Config *config.Config
	Log    zerolog.Logger

	// WriteOutDir が空でなければ起動前に組み込みコンテンツを書き出す
	WriteOutDir string
	// Now が nil なら time.Now
	Now func() time.Time
	// Force は2回目の停止要求で呼ばれる。nil なら os.Exit(1)
	Force func()
}

// Agent は起動済みのエージェント
type Agent struct {
	env   Env
	log   zerolog.Logger
	clock *dispatcher.Clock
	loop  *dispatcher.Dispatcher

	web        *webserver.Server
	sourceName string
	admin      *admin.Server

	started time.Time

	// loopCtx は1回目の停止要求か Run の ctx でキャンセルされる
	loopCtx context.Context
	cancel  context.CancelFunc
	ctl     *shutdown.Controller
}

// New はWebサーバーの待ち受けまでを済ませた Agent を作成する
// ドキュメントルートの不備やバインドの失敗はここで返す
func New(env Env) (*Agent, error) {
	if env.Config == nil {
		return nil, errors.New("設定が指定されていません")
	}
	cfg := env.Config

	a := &Agent{
		env:   env,
		log:   env.Log,
		clock: dispatcher.NewClock(env.Now),
	}
	a.started = a.clock.Tick()
	a.loopCtx, a.cancel = context.WithCancel(context.Background())
	a.ctl = shutdown.New(a.cancel, env.Force, a.log)

	if env.WriteOutDir != "" {
		if err := writeOut(env.WriteOutDir); err != nil {
			return nil, err
		}
		a.log.Info().Str("dir", env.WriteOutDir).Msg("組み込みコンテンツを書き出しました")
	}

	opts := []dispatcher.Option{
		dispatcher.WithClock(a.clock),
		dispatcher.WithLogger(a.log),
		dispatcher.WithTicker(dispatcher.Every(statsInterval, a.logStats)),
	}

	if cfg.Server.Enabled() {
		src, name, err := openSource(cfg.Server)
		if err != nil {
			a.cancel()
			return nil, err
		}

		web, err := webserver.Listen(webserver.Config{
			Host:            cfg.Server.Host,
			Port:            cfg.Server.Port,
			IndexFile:       cfg.Server.IndexFile,
			MaxConns:        cfg.Server.MaxConns,
			MaxRequestBytes: cfg.Server.MaxRequestBytes,
			ReadTimeout:     cfg.Server.ReadTimeout,
		}, src,
			webserver.WithLogger(a.log.With().Str("component", "webserver").Logger()),
			webserver.WithClock(a.clock),
		)
		if err != nil {
			a.cancel()
			return nil, fmt.Errorf("Webサーバーの起動に失敗: %w", err)
		}

		a.web = web
		a.sourceName = name
		opts = append(opts, dispatcher.WithParticipant(web))
		a.log.Info().Str("addr", web.Addr()).Str("source", name).Msg("Webサーバーを有効にしました")
	} else {
		a.log.Info().Msg("Webサーバーは無効です")
	}

	a.loop = dispatcher.New(opts...)

	if cfg.Admin.Port != 0 {
		a.admin = admin.New(
			cfg.AdminAddress(),
			admin.NewHandler(a, a.started),
			a.log.With().Str("component", "admin").Logger(),
		)
	}

	return a, nil
}

// Run は Env からエージェントを作成し、ctx がキャンセルされるまで実行する
func Run(ctx context.Context, env Env) error {
	a, err := New(env)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// Run は制御ループを実行する
// ctx のキャンセルか SIGINT/SIGTERM で終了し、すべての接続を閉じてから戻る
func (a *Agent) Run(ctx context.Context) error {
	defer a.cancel()

	stopAfter := context.AfterFunc(ctx, a.cancel)
	defer stopAfter()

	stopWatch := a.ctl.Watch()
	defer stopWatch()

	if a.admin != nil {
		if err := a.admin.Start(); err != nil {
			return errors.Join(err, a.closeWeb())
		}
	}

	a.log.Info().Msg("エージェントを起動しました")
	runErr := a.loop.Run(a.loopCtx)
	a.cancel()
	if runErr != nil {
		a.log.Error().Err(runErr).Msg("制御ループが異常終了しました")
	}

	err := errors.Join(runErr, a.closeWeb(), a.shutdownAdmin())
	a.log.Info().Msg("エージェントを停止しました")
	return err
}

func (a *Agent) closeWeb() error {
	if a.web == nil {
		return nil
	}
	if err := a.web.Close(); err != nil && !errors.Is(err, webserver.ErrClosed) {
		return err
	}
	return nil
}

func (a *Agent) shutdownAdmin() error {
	if a.admin == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.admin.Shutdown(ctx)
}

// Addr はWebサーバーの待ち受けアドレスを返す。無効なら空文字
func (a *Agent) Addr() string {
	if a.web == nil {
		return ""
	}
	return a.web.Addr()
}

// AdminAddr は管理APIの待ち受けアドレスを返す。無効なら空文字
func (a *Agent) AdminAddr() string {
	if a.admin == nil {
		return ""
	}
	return a.admin.Addr()
}

// LoopStats は制御ループの統計情報を返す
func (a *Agent) LoopStats() dispatcher.Stats {
	return a.loop.Stats()
}

// WebserverInfo はWebサーバーの状態を返す
func (a *Agent) WebserverInfo() *admin.WebserverInfo {
	if a.web == nil {
		return nil
	}
	return &admin.WebserverInfo{
		Address: a.web.Addr(),
		Source:  a.sourceName,
		Stats:   a.web.Stats(),
	}
}

// Stopping は停止処理に入っているかどうかを返す
func (a *Agent) Stopping() bool {
	return a.loopCtx.Err() != nil
}

// Shutdown は停止要求を1回送る。シグナルと同じ扱いで、2回目は強制終了になる
func (a *Agent) Shutdown() {
	a.ctl.Request()
}

func (a *Agent) logStats(now time.Time) {
	ev := a.log.Debug().
		Time("tick", now).
		Uint64("iterations", a.loop.Stats().Iterations)
	if a.web != nil {
		st := a.web.Stats()
		ev = ev.Uint64("accepted", st.Accepted).
			Uint64("rejected", st.Rejected).
			Int64("active", st.Active).
			Uint64("bytes_sent", st.BytesSent)
	}
	ev.Msg("統計情報")
}

// openSource は設定に応じてコンテンツの取得元を選ぶ
func openSource(cfg config.ServerConfig) (resource.Source, string, error) {
	if cfg.Internal() {
		store, err := content.Embedded()
		if err != nil {
			return nil, "", err
		}
		return store, internalSource, nil
	}

	r, err := docroot.New(cfg.Root, cfg.IndexFile)
	if err != nil {
		return nil, "", err
	}
	return r, r.Root(), nil
}

func writeOut(dir string) error {
	store, err := content.Embedded()
	if err != nil {
		return err
	}
	if err := store.WriteOut(dir); err != nil {
		return fmt.Errorf("組み込みコンテンツの書き出しに失敗: %w", err)
	}
	return nil
}

var _ admin.Provider = (*Agent)(nil)
