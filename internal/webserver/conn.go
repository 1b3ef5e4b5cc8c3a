package webserver

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"staticagent/internal/resource"
)

// connState は接続の状態
type connState int

const (
	stateAccepting connState = iota
	stateReadingRequest
	stateResolving
	stateWritingResponse
	stateClosing
)

func (s connState) String() string {
	switch s {
	case stateAccepting:
		return "accepting"
	case stateReadingRequest:
		return "reading_request"
	case stateResolving:
		return "resolving"
	case stateWritingResponse:
		return "writing_response"
	case stateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// conn は1本のソケットの状態機械
// Server だけが所有し、fd を他の conn と共有することはない
type conn struct {
	fd       int
	id       string
	remote   string
	state    connState
	accepted time.Time
	deadline time.Time // リクエスト受信の期限。ゼロなら無期限
	log      zerolog.Logger

	in   []byte   // 受信バッファ
	req  *Request // 解析済みリクエスト
	path string   // 正規化済みパス

	resp    *response
	written int // resp のうち送信済みのバイト数
}

func newConn(fd int, remote string, now time.Time, log zerolog.Logger) *conn {
	id := uuid.NewString()
	return &conn{
		fd:       fd,
		id:       id,
		remote:   remote,
		state:    stateAccepting,
		accepted: now,
		log:      log.With().Str("conn", id).Str("remote", remote).Logger(),
	}
}

// wantsRead は読み込み監視が必要かどうかを返す
func (c *conn) wantsRead() bool {
	return c.state == stateReadingRequest
}

// wantsWrite は書き込み監視が必要かどうかを返す
func (c *conn) wantsWrite() bool {
	return c.state == stateWritingResponse
}

// expired はリクエストを待っている間に期限を過ぎたかどうかを返す
func (c *conn) expired(now time.Time) bool {
	return c.wantsRead() && !c.deadline.IsZero() && now.After(c.deadline)
}

// readRequest は読めるだけ読み、リクエストが揃ったら解析結果を返す
// 揃っていなければ (nil, nil)、プロトコルエラーなら *HTTPError
func (c *conn) readRequest(scratch []byte, maxBytes int) (*Request, error) {
	n, err := unix.Read(c.fd, scratch)
	if err != nil {
		if isTemporary(err) {
			return nil, nil
		}
		c.log.Debug().Err(err).Msg("受信に失敗しました")
		c.state = stateClosing
		return nil, nil
	}
	if n == 0 {
		c.log.Debug().Msg("相手が接続を閉じました")
		c.state = stateClosing
		return nil, nil
	}

	c.in = append(c.in, scratch[:n]...)
	return parseRequest(c.in, maxBytes)
}

// setResponse はレスポンスを送信待ちにして書き込み状態へ進める
func (c *conn) setResponse(r *response) {
	c.resp = r
	c.written = 0
	c.in = nil
	c.state = stateWritingResponse
}

// flush は送信待ちのバイトをソケットが受け付けるだけ書く
// 全て送れたら true を返す
func (c *conn) flush() (int, bool) {
	total := 0
	for c.written < c.resp.size() {
		chunk := c.pending()
		n, err := unix.SendmsgN(c.fd, chunk, nil, nil, unix.MSG_NOSIGNAL)
		if n > 0 {
			c.written += n
			total += n
		}
		if err != nil {
			if isTemporary(err) {
				return total, false
			}
			c.log.Debug().Err(err).Int("written", c.written).Msg("送信に失敗しました")
			c.state = stateClosing
			return total, false
		}
	}
	return total, true
}

// pending は次に送るべき連続領域を返す
func (c *conn) pending() []byte {
	if c.written < len(c.resp.head) {
		return c.resp.head[c.written:]
	}
	return c.resp.body[c.written-len(c.resp.head):]
}

// close はソケットを解放する
func (c *conn) close() {
	if c.fd < 0 {
		return
	}
	if err := unix.Close(c.fd); err != nil && !errors.Is(err, unix.EINTR) {
		c.log.Debug().Err(err).Msg("ソケットのクローズに失敗しました")
	}
	c.fd = -1
	c.state = stateClosing
}

// lookupStatus は取得元のエラーをステータスコードに変換する
func lookupStatus(err error) int {
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, resource.ErrNotFound):
		return statusNotFound
	case errors.Is(err, resource.ErrForbidden):
		return statusForbidden
	default:
		return statusInternalServerError
	}
}
