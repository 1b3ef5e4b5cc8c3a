package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// DefaultTimeout は1回の待機の上限 (tick)
const DefaultTimeout = time.Second

// ErrWait は待機プリミティブが EINTR 以外で失敗したことを表す
var ErrWait = errors.New("readiness wait failed")

// Participant はループに参加する I/O コンポーネント
type Participant interface {
	// BeforeWait は監視したいディスクリプタを sets に登録する
	BeforeWait(sets *Sets)
	// AfterWait は待機後のレディネスに反応する
	AfterWait(sets *Sets)
}

// TickFunc は反復ごとに呼ばれる周期処理
type TickFunc func(now time.Time)

// waitFunc は select(2) と同じ形の待機関数
type waitFunc func(nfd int, r, w, e *unix.FdSet, timeout *unix.Timeval) (int, error)

// Stats はループの統計情報
type Stats struct {
	Iterations uint64    `json:"iterations"`
	LastTick   time.Time `json:"last_tick"`
}

// Dispatcher は select ベースの制御ループ
type Dispatcher struct {
	participants []Participant
	tickers      []TickFunc
	timeout      time.Duration
	clock        *Clock
	wait         waitFunc
	log          zerolog.Logger

	sets Sets

	// 管理APIなど別ゴルーチンから読まれる
	iterations atomic.Uint64
	lastTick   atomic.Int64
}

// Option は Dispatcher の設定を変更する
type Option func(*Dispatcher)

// WithParticipant は参加者を追加する
func WithParticipant(p Participant) Option {
	return func(d *Dispatcher) {
		d.participants = append(d.participants, p)
	}
}

// WithTicker は周期処理を追加する
func WithTicker(fn TickFunc) Option {
	return func(d *Dispatcher) {
		d.tickers = append(d.tickers, fn)
	}
}

// WithTimeout は1回の待機の上限を変更する
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.timeout = timeout
	}
}

// WithClock は時刻キャッシュを共有する
func WithClock(c *Clock) Option {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

// WithLogger はロガーを設定する
func WithLogger(log zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.log = log
	}
}

func withWait(fn waitFunc) Option {
	return func(d *Dispatcher) {
		d.wait = fn
	}
}

// New は新しい Dispatcher を作成する
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		timeout: DefaultTimeout,
		wait:    unix.Select,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.clock == nil {
		d.clock = NewClock(nil)
	}
	d.sets.Reset()
	return d
}

// Clock はループが更新する時刻キャッシュを返す
func (d *Dispatcher) Clock() *Clock {
	return d.clock
}

// Run は ctx がキャンセルされるまでループを回す
// キャンセルによる終了は nil、待機の失敗は ErrWait をラップして返す
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Debug().Int("participants", len(d.participants)).Dur("timeout", d.timeout).Msg("制御ループを開始します")

	for {
		select {
		case <-ctx.Done():
			d.log.Debug().Uint64("iterations", d.iterations.Load()).Msg("制御ループを終了します")
			return nil
		default:
		}

		now := d.clock.Tick()

		d.sets.Reset()
		for _, p := range d.participants {
			p.BeforeWait(&d.sets)
		}

		tv := unix.NsecToTimeval(d.timeout.Nanoseconds())
		if _, err := d.wait(d.sets.max+1, &d.sets.read, &d.sets.write, &d.sets.except, &tv); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("%w: %w", ErrWait, err)
		}

		for _, p := range d.participants {
			p.AfterWait(&d.sets)
		}
		for _, fn := range d.tickers {
			fn(now)
		}

		d.iterations.Add(1)
		d.lastTick.Store(now.UnixNano())
	}
}

// Stats はループの統計情報を返す
func (d *Dispatcher) Stats() Stats {
	s := Stats{Iterations: d.iterations.Load()}
	if ns := d.lastTick.Load(); ns != 0 {
		s.LastTick = time.Unix(0, ns)
	}
	return s
}

// Every は interval 以上経過したときだけ fn を呼ぶ TickFunc を返す
func Every(interval time.Duration, fn TickFunc) TickFunc {
	var last time.Time
	return func(now time.Time) {
		if last.IsZero() {
			last = now
			return
		}
		if now.Sub(last) >= interval {
			last = now
			fn(now)
		}
	}
}
