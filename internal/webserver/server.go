package webserver

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"staticagent/internal/dispatcher"
	"staticagent/internal/resource"
)

// ErrClosed は Close 済みのサーバーを表す
var ErrClosed = errors.New("webserver closed")

// Config はサーバーの起動パラメータ
type Config struct {
	Host            string
	Port            int // 0 なら空きポート
	IndexFile       string
	MaxConns        int
	MaxRequestBytes int
	// リクエストが揃うまでの待ち時間の上限。0 なら無制限
	ReadTimeout time.Duration
}

// Stats はサーバーの統計情報
type Stats struct {
	Accepted  uint64         `json:"accepted"`
	Rejected  uint64         `json:"rejected"`
	Active    int64          `json:"active"`
	BytesSent uint64         `json:"bytes_sent"`
	Responses map[int]uint64 `json:"responses"`
}

// Server は待ち受けソケットと接続集合を所有する
type Server struct {
	cfg    Config
	source resource.Source
	clock  *dispatcher.Clock
	log    zerolog.Logger

	fd      int
	addr    string
	conns   map[int]*conn
	scratch []byte

	// 記述子不足で accept できなかったとき、次の1回だけ待ち受けを監視しない
	acceptPaused bool
	accept4      func(fd, flags int) (int, unix.Sockaddr, error)

	// 管理APIなど別ゴルーチンから読まれる
	accepted  atomic.Uint64
	rejected  atomic.Uint64
	active    atomic.Int64
	bytesSent atomic.Uint64
	responses map[int]*atomic.Uint64
}

// Option は Server の設定を変更する
type Option func(*Server)

// WithLogger はロガーを設定する
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithClock は Date ヘッダーに使う時刻キャッシュを設定する
func WithClock(c *dispatcher.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// Listen は待ち受けソケットを作成してサーバーを起動する
// バインドに失敗した場合はエラーを返す
func Listen(cfg Config, src resource.Source, opts ...Option) (*Server, error) {
	if src == nil {
		return nil, errors.New("コンテンツの取得元が指定されていません")
	}
	if cfg.IndexFile == "" {
		cfg.IndexFile = "index.html"
	}
	if cfg.MaxConns <= 0 || cfg.MaxConns >= dispatcher.FdSetSize {
		cfg.MaxConns = 256
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 8192
	}
	if cfg.ReadTimeout < 0 {
		cfg.ReadTimeout = 0
	}

	s := &Server{
		cfg:       cfg,
		source:    src,
		log:       zerolog.Nop(),
		conns:     make(map[int]*conn),
		scratch:   make([]byte, 4096),
		accept4:   unix.Accept4,
		responses: make(map[int]*atomic.Uint64),
	}
	for _, code := range []int{
		statusOK, statusBadRequest, statusForbidden, statusNotFound,
		statusHeaderFieldsTooLarge, statusInternalServerError,
		statusNotImplemented, statusVersionNotSupported,
	} {
		s.responses[code] = new(atomic.Uint64)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = dispatcher.NewClock(nil)
	}

	fd, err := listenTCP(cfg.Host, cfg.Port)
	if err != nil {
		return nil, err
	}
	s.fd = fd

	port, err := localPort(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	s.addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	s.log.Info().Str("addr", s.addr).Msg("Webサーバーを起動しました")
	return s, nil
}

func localPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("getsockname に失敗: %w", err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	}
	return 0, fmt.Errorf("未知のアドレス種別: %T", sa)
}

// Addr は待ち受けアドレスを "host:port" で返す
func (s *Server) Addr() string {
	return s.addr
}

// BeforeWait は待ち受けソケットと各接続を監視集合に登録する
func (s *Server) BeforeWait(sets *dispatcher.Sets) {
	if s.fd < 0 {
		return
	}
	// 上限に達している間は accept せず、カーネルのバックログに待たせる
	switch {
	case s.acceptPaused:
		s.acceptPaused = false
	case len(s.conns) < s.cfg.MaxConns:
		sets.AddRead(s.fd)
	}
	for fd, c := range s.conns {
		switch {
		case c.wantsRead():
			sets.AddRead(fd)
		case c.wantsWrite():
			sets.AddWrite(fd)
		}
		sets.AddExcept(fd)
	}
}

// AfterWait は待ち受けソケットを先に処理し、その後で準備できた接続を1段ずつ進める
func (s *Server) AfterWait(sets *dispatcher.Sets) {
	if s.fd < 0 {
		return
	}
	if sets.Readable(s.fd) {
		s.accept()
	}

	now := s.clock.Now()
	for fd, c := range s.conns {
		switch {
		case sets.Exceptional(fd):
			c.log.Debug().Msg("例外状態を検出しました")
			c.state = stateClosing
		case c.wantsRead() && sets.Readable(fd):
			s.handleRead(c)
		case c.wantsWrite() && sets.Writable(fd):
			s.handleWrite(c)
		case c.expired(now):
			c.log.Debug().Int("buffered", len(c.in)).Msg("リクエストの受信がタイムアウトしました")
			c.state = stateClosing
		}

		if c.state == stateClosing {
			s.closeConn(c)
		}
	}
}

// accept は新しい接続を1本だけ受け付ける
func (s *Server) accept() {
	nfd, sa, err := s.accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		switch {
		case isTransientAccept(err):
		case isOutOfDescriptors(err):
			// 待ち受けが読める状態のまま残るので、次の待機では監視から外す
			s.log.Warn().Err(err).Int("active", len(s.conns)).Msg("記述子が不足しているため accept を見送ります")
			s.acceptPaused = true
		default:
			s.log.Error().Err(err).Msg("accept に失敗しました")
		}
		return
	}

	if nfd >= dispatcher.FdSetSize || len(s.conns) >= s.cfg.MaxConns {
		s.log.Warn().Int("fd", nfd).Int("active", len(s.conns)).Msg("接続数の上限に達したため切断します")
		unix.Close(nfd)
		s.rejected.Add(1)
		return
	}

	c := newConn(nfd, sockaddrString(sa), s.clock.Now(), s.log)
	c.state = stateReadingRequest
	if s.cfg.ReadTimeout > 0 {
		c.deadline = c.accepted.Add(s.cfg.ReadTimeout)
	}
	s.conns[nfd] = c
	s.accepted.Add(1)
	s.active.Add(1)

	c.log.Debug().Int("fd", nfd).Msg("接続を受け付けました")
}

func (s *Server) handleRead(c *conn) {
	req, err := c.readRequest(s.scratch, s.cfg.MaxRequestBytes)
	if err != nil {
		var herr *HTTPError
		if !errors.As(err, &herr) {
			herr = newHTTPError(statusBadRequest, err.Error())
		}
		c.log.Debug().Err(herr).Msg("不正なリクエスト")
		s.respond(c, newErrorResponse(herr.Status, s.clock.Now(), false))
		return
	}
	if req == nil {
		return
	}

	c.req = req
	c.state = stateResolving
	s.resolve(c)
}

// resolve はリクエストを取得元に問い合わせてレスポンスを組み立てる
// 取得元はメモリ上のテーブルか小さな静的ファイルなので同期的に処理する
func (s *Server) resolve(c *conn) {
	now := s.clock.Now()
	head := c.req.Method == "HEAD"

	if c.req.Method != "GET" && !head {
		s.respond(c, newErrorResponse(statusNotImplemented, now, false))
		return
	}

	p, err := normalizePath(c.req.Target, s.cfg.IndexFile)
	if err != nil {
		var herr *HTTPError
		errors.As(err, &herr)
		s.respond(c, newErrorResponse(herr.Status, now, head))
		return
	}
	c.path = p

	res, err := s.source.Lookup(p)
	if status := lookupStatus(err); status != statusOK {
		if status == statusInternalServerError {
			c.log.Error().Err(err).Str("path", p).Msg("コンテンツの読み込みに失敗しました")
		}
		s.respond(c, newErrorResponse(status, now, head))
		return
	}

	s.respond(c, newResponse(statusOK, contentType(res.Path, res.Data), res.Data, now, head))
}

func (s *Server) respond(c *conn, r *response) {
	c.setResponse(r)
	if counter, ok := s.responses[r.status]; ok {
		counter.Add(1)
	}
}

func (s *Server) handleWrite(c *conn) {
	n, done := c.flush()
	s.bytesSent.Add(uint64(n))
	if !done {
		return
	}

	ev := c.log.Info().
		Int("status", c.resp.status).
		Int("bytes", c.written).
		Dur("elapsed", s.clock.Now().Sub(c.accepted))
	if c.req != nil {
		ev = ev.Str("method", c.req.Method).Str("target", c.req.Target)
	}
	ev.Msg("レスポンスを送信しました")

	c.state = stateClosing
}

func (s *Server) closeConn(c *conn) {
	fd := c.fd
	c.close()
	delete(s.conns, fd)
	s.active.Add(-1)
}

// Close は全接続を強制的に閉じてから待ち受けソケットを閉じる
func (s *Server) Close() error {
	if s.fd < 0 {
		return ErrClosed
	}

	for _, c := range s.conns {
		if c.state != stateClosing {
			c.log.Debug().Str("state", c.state.String()).Msg("シャットダウンのため切断します")
		}
		s.closeConn(c)
	}

	err := unix.Close(s.fd)
	s.fd = -1
	if err != nil {
		return fmt.Errorf("待ち受けソケットのクローズに失敗: %w", err)
	}

	s.log.Info().Msg("Webサーバーを停止しました")
	return nil
}

// Stats はサーバーの統計情報を返す
func (s *Server) Stats() Stats {
	st := Stats{
		Accepted:  s.accepted.Load(),
		Rejected:  s.rejected.Load(),
		Active:    s.active.Load(),
		BytesSent: s.bytesSent.Load(),
		Responses: make(map[int]uint64, len(s.responses)),
	}
	for code, counter := range s.responses {
		if v := counter.Load(); v > 0 {
			st.Responses[code] = v
		}
	}
	return st
}

var _ dispatcher.Participant = (*Server)(nil)
