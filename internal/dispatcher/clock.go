package dispatcher

import "time"

// Clock は反復ごとに記録される現在時刻のキャッシュ
// ループのゴルーチンからのみ参照する
type Clock struct {
	src func() time.Time
	now time.Time
}

// NewClock は src を時刻源とする Clock を作る (nil なら time.Now)
func NewClock(src func() time.Time) *Clock {
	if src == nil {
		src = time.Now
	}
	c := &Clock{src: src}
	c.now = src()
	return c
}

// Tick は時刻源から現在時刻を読み直して記録する
func (c *Clock) Tick() time.Time {
	c.now = c.src()
	return c.now
}

// Now は最後に記録した時刻を返す
func (c *Clock) Now() time.Time {
	return c.now
}
