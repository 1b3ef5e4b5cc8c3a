package webserver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"staticagent/internal/content"
	"staticagent/internal/dispatcher"
	"staticagent/internal/docroot"
	"staticagent/internal/resource"
)

// testServer は制御ループ付きで起動したサーバー
type testServer struct {
	srv  *Server
	addr string
}

// startServer はサーバーを起動して制御ループを別ゴルーチンで回す
// ループとサーバーはテスト終了時に停止される
func startServer(t *testing.T, src resource.Source, cfg Config, clock *dispatcher.Clock) *testServer {
	t.Helper()

	if clock == nil {
		clock = dispatcher.NewClock(nil)
	}
	cfg.Host = "127.0.0.1"
	cfg.Port = 0

	srv, err := Listen(cfg, src, WithClock(clock))
	if err != nil {
		t.Fatalf("サーバーの起動に失敗しました: %v", err)
	}

	d := dispatcher.New(dispatcher.WithParticipant(srv), dispatcher.WithClock(clock))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("制御ループがエラーで終了しました: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("制御ループの停止がタイムアウトしました")
		}
		_ = srv.Close()
	})

	return &testServer{srv: srv, addr: srv.Addr()}
}

// roundTrip は生のリクエストを送り、接続が閉じられるまでの全バイトを返す
func (ts *testServer) roundTrip(t *testing.T, raw string) []byte {
	t.Helper()

	conn, err := net.Dial("tcp", ts.addr)
	if err != nil {
		t.Fatalf("接続に失敗しました: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatalf("送信に失敗しました: %v", err)
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("受信に失敗しました: %v", err)
	}
	return out
}

// get は GET を送り、解析済みのレスポンスとボディを返す
func (ts *testServer) get(t *testing.T, target string) (*http.Response, []byte) {
	t.Helper()
	return parseResponse(t, ts.roundTrip(t, "GET "+target+" HTTP/1.1\r\nHost: test\r\n\r\n"), "GET")
}

func parseResponse(t *testing.T, raw []byte, method string) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), &http.Request{Method: method})
	if err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v (%q)", err, raw)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ボディの読み込みに失敗しました: %v", err)
	}
	return resp, body
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s: タイムアウトしました", what)
}

// TestServer_EmbeddedContent は組み込みテーブルの全エントリが配信されることを確認する
func TestServer_EmbeddedContent(t *testing.T) {
	store, err := content.Embedded()
	if err != nil {
		t.Fatalf("埋め込みテーブルの構築に失敗: %v", err)
	}
	ts := startServer(t, store, Config{}, nil)

	for _, e := range store.Entries() {
		t.Run(e.Path, func(t *testing.T) {
			resp, body := ts.get(t, e.Path)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			if !bytes.Equal(body, e.Data) {
				t.Errorf("ボディが一致しません: got %d bytes, want %d bytes", len(body), len(e.Data))
			}
			if resp.ContentLength != int64(e.Size) {
				t.Errorf("Content-Length = %d, want %d", resp.ContentLength, e.Size)
			}
			if resp.Header.Get("Content-Type") == "" {
				t.Error("Content-Type がありません")
			}
		})
	}

	resp, _ := ts.get(t, "/")
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("/ がインデックスに解決されていません: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
}

// TestServer_Statuses はエラー系のステータスコードを確認する
func TestServer_Statuses(t *testing.T) {
	store, err := content.NewStore([]content.Entry{
		{Path: "/index.html", Data: []byte("index"), Size: 5},
	})
	if err != nil {
		t.Fatal(err)
	}
	ts := startServer(t, store, Config{MaxRequestBytes: 1024}, nil)

	testCases := []struct {
		name   string
		raw    string
		method string
		want   int
	}{
		{"見つからない", "GET /missing.html HTTP/1.1\r\n\r\n", "GET", 404},
		{"親ディレクトリ参照", "GET /../secret HTTP/1.1\r\n\r\n", "GET", 403},
		{"エンコードされた親ディレクトリ参照", "GET /%2e%2e/secret HTTP/1.1\r\n\r\n", "GET", 403},
		{"POST は未実装", "POST /index.html HTTP/1.1\r\nContent-Length: 0\r\n\r\n", "POST", 501},
		{"DELETE は未実装", "DELETE /index.html HTTP/1.1\r\n\r\n", "DELETE", 501},
		{"壊れたリクエストライン", "GARBAGE\r\n\r\n", "GET", 400},
		{"絶対形式のターゲット", "GET http://x/ HTTP/1.1\r\n\r\n", "GET", 400},
		{"HTTP/2", "GET / HTTP/2.0\r\n\r\n", "GET", 505},
		{"大きすぎるヘッダー", "GET / HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", 2048) + "\r\n\r\n", "GET", 431},
		{"HTTP/1.0", "GET /index.html HTTP/1.0\r\n\r\n", "GET", 200},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := parseResponse(t, ts.roundTrip(t, tc.raw), tc.method)
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
			if resp.ContentLength != int64(len(body)) {
				t.Errorf("Content-Length = %d, body = %d bytes", resp.ContentLength, len(body))
			}
		})
	}

	st := ts.srv.Stats()
	if st.Responses[404] != 1 || st.Responses[501] != 2 || st.Responses[403] != 2 {
		t.Errorf("統計が一致しません: %+v", st.Responses)
	}
}

// TestServer_Head は HEAD にボディなしで応答することを確認する
func TestServer_Head(t *testing.T) {
	store, _ := content.NewStore([]content.Entry{
		{Path: "/a.txt", Data: []byte("hello"), Size: 5},
	})
	ts := startServer(t, store, Config{}, nil)

	raw := ts.roundTrip(t, "HEAD /a.txt HTTP/1.1\r\n\r\n")
	if bytes.HasSuffix(raw, []byte("hello")) {
		t.Errorf("HEAD のレスポンスにボディが含まれています: %q", raw)
	}
	resp, _ := parseResponse(t, raw, "HEAD")
	if resp.StatusCode != 200 || resp.ContentLength != 5 {
		t.Errorf("status = %d, Content-Length = %d", resp.StatusCode, resp.ContentLength)
	}
}

// TestServer_DocRoot はドキュメントルートからの配信と走査の拒否を確認する
func TestServer_DocRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "public")
	files := map[string]string{
		filepath.Join(parent, "secret.txt"):        "TOP SECRET",
		filepath.Join(root, "index.html"):          "<p>root</p>",
		filepath.Join(root, "sub", "data.json"):    `{"a":1}`,
		filepath.Join(root, "sub", "index.html"):   "<p>sub</p>",
		filepath.Join(root, "noindex", "file.txt"): "file",
		filepath.Join(root, "binary"):              "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR",
	}
	for p, body := range files {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	resolver, err := docroot.New(root, "index.html")
	if err != nil {
		t.Fatalf("docroot.New: %v", err)
	}
	ts := startServer(t, resolver, Config{}, nil)

	testCases := []struct {
		target string
		status int
		body   string
		ctype  string
	}{
		{"/", 200, "<p>root</p>", "text/html; charset=utf-8"},
		{"/sub/data.json", 200, `{"a":1}`, "application/json"},
		{"/sub/", 200, "<p>sub</p>", "text/html; charset=utf-8"},
		{"/sub", 200, "<p>sub</p>", "text/html; charset=utf-8"},
		{"/binary", 200, files[filepath.Join(root, "binary")], "image/png"},
		{"/noindex/", 404, "", ""},
		{"/missing", 404, "", ""},
		{"/../secret.txt", 403, "", ""},
		{"/sub/../../secret.txt", 403, "", ""},
		{"/%2e%2e/secret.txt", 403, "", ""},
		{"/sub/%2E%2E/%2E%2E/secret.txt", 403, "", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.target, func(t *testing.T) {
			resp, body := ts.get(t, tc.target)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			if bytes.Contains(body, []byte("TOP SECRET")) {
				t.Fatal("ルート外のファイルが配信されました")
			}
			if tc.status != 200 {
				return
			}
			if string(body) != tc.body {
				t.Errorf("body = %q, want %q", body, tc.body)
			}
			if got := resp.Header.Get("Content-Type"); got != tc.ctype {
				t.Errorf("Content-Type = %q, want %q", got, tc.ctype)
			}
		})
	}
}

// errSource は常に読み込みエラーを返す
type errSource struct{}

func (errSource) Lookup(string) (resource.Resource, error) {
	return resource.Resource{}, errors.New("disk on fire")
}

func TestServer_InternalError(t *testing.T) {
	ts := startServer(t, errSource{}, Config{}, nil)

	resp, _ := ts.get(t, "/anything")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

// TestServer_Idempotent は独立した接続で同じリクエストに同じバイト列が返ることを確認する
func TestServer_Idempotent(t *testing.T) {
	store, _ := content.Embedded()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := startServer(t, store, Config{}, dispatcher.NewClock(func() time.Time { return fixed }))

	req := "GET /index.html HTTP/1.1\r\nHost: test\r\n\r\n"
	first := ts.roundTrip(t, req)
	for i := 0; i < 5; i++ {
		if again := ts.roundTrip(t, req); !bytes.Equal(first, again) {
			t.Fatalf("%d 回目のレスポンスが一致しません:\n%q\n%q", i+2, first, again)
		}
	}
}

// TestServer_PartialWrites は1回の書き込みに収まらないボディが順序通り全て届くことを確認する
func TestServer_PartialWrites(t *testing.T) {
	big := make([]byte, 8<<20)
	for i := range big {
		big[i] = byte(i % 251)
	}
	store, _ := content.NewStore([]content.Entry{{Path: "/big.bin", Data: big, Size: len(big)}})
	ts := startServer(t, store, Config{}, nil)

	conn, err := net.Dial("tcp", ts.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	if _, err := io.WriteString(conn, "GET /big.bin HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	// ソケットバッファを溢れさせてから読み始める
	time.Sleep(300 * time.Millisecond)

	resp, err := http.ReadResponse(bufio.NewReaderSize(conn, 1024), nil)
	if err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	defer resp.Body.Close()

	got := make([]byte, 0, len(big))
	buf := make([]byte, 32<<10)
	for {
		n, err := resp.Body.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("受信に失敗しました: %v", err)
		}
	}

	if resp.ContentLength != int64(len(big)) {
		t.Errorf("Content-Length = %d, want %d", resp.ContentLength, len(big))
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("ボディが一致しません: got %d bytes, want %d bytes", len(got), len(big))
	}
	if sent := ts.srv.Stats().BytesSent; sent < uint64(len(big)) {
		t.Errorf("BytesSent = %d, want >= %d", sent, len(big))
	}
}

// TestServer_IncrementalRequest は分割して届いたリクエストを組み立てられることを確認する
func TestServer_IncrementalRequest(t *testing.T) {
	store, _ := content.NewStore([]content.Entry{{Path: "/a", Data: []byte("A"), Size: 1}})
	ts := startServer(t, store, Config{}, nil)

	conn, err := net.Dial("tcp", ts.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	for _, piece := range []string{"GE", "T /a HT", "TP/1.1\r\nHo", "st: x\r\n", "\r\n"} {
		if _, err := io.WriteString(conn, piece); err != nil {
			t.Fatal(err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	raw, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	resp, body := parseResponse(t, raw, "GET")
	if resp.StatusCode != 200 || string(body) != "A" {
		t.Errorf("status = %d, body = %q", resp.StatusCode, body)
	}
}

// TestServer_PeerClose は何も送らずに閉じた接続が集合から除かれることを確認する
func TestServer_PeerClose(t *testing.T) {
	store, _ := content.Embedded()
	ts := startServer(t, store, Config{}, nil)

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", ts.addr)
		if err != nil {
			t.Fatal(err)
		}
		conn.Close()
	}

	waitFor(t, "3本の接続の受け付け", func() bool { return ts.srv.Stats().Accepted == 3 })
	waitFor(t, "接続の解放", func() bool { return ts.srv.Stats().Active == 0 })
}

// TestServer_MaxConns は上限に達している間は新しい接続を受け付けないことを確認する
func TestServer_MaxConns(t *testing.T) {
	store, _ := content.NewStore([]content.Entry{{Path: "/a", Data: []byte("A"), Size: 1}})
	ts := startServer(t, store, Config{MaxConns: 1}, nil)

	idle, err := net.Dial("tcp", ts.addr)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "1本目の受け付け", func() bool { return ts.srv.Stats().Active == 1 })

	second, err := net.Dial("tcp", ts.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if _, err := io.WriteString(second, "GET /a HTTP/1.1\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	// 上限に達している間は応答しない
	_ = second.SetReadDeadline(time.Now().Add(1500 * time.Millisecond))
	if n, _ := second.Read(make([]byte, 1)); n != 0 {
		t.Fatal("上限を超えた接続に応答しました")
	}
	if got := ts.srv.Stats().Accepted; got != 1 {
		t.Errorf("Accepted = %d, want 1", got)
	}

	idle.Close()

	_ = second.SetReadDeadline(time.Now().Add(10 * time.Second))
	raw, err := io.ReadAll(second)
	if err != nil {
		t.Fatalf("受信に失敗しました: %v", err)
	}
	resp, body := parseResponse(t, raw, "GET")
	if resp.StatusCode != 200 || string(body) != "A" {
		t.Errorf("status = %d, body = %q", resp.StatusCode, body)
	}
}

// TestServer_ReadTimeout は何も送らない接続が上限を埋めても後続のリクエストが処理されることを確認する
func TestServer_ReadTimeout(t *testing.T) {
	store, _ := content.NewStore([]content.Entry{{Path: "/a", Data: []byte("A"), Size: 1}})
	ts := startServer(t, store, Config{MaxConns: 2, ReadTimeout: 300 * time.Millisecond}, nil)

	var idle []net.Conn
	for i := 0; i < 2; i++ {
		c, err := net.Dial("tcp", ts.addr)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		idle = append(idle, c)
	}
	waitFor(t, "無言の接続の受け付け", func() bool { return ts.srv.Stats().Active == 2 })

	resp, body := ts.get(t, "/a")
	if resp.StatusCode != 200 || string(body) != "A" {
		t.Errorf("status = %d, body = %q", resp.StatusCode, body)
	}

	// 無言の接続は期限切れで閉じられている
	for i, c := range idle {
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		if n, err := c.Read(make([]byte, 1)); n != 0 || !errors.Is(err, io.EOF) {
			t.Errorf("接続%d: n = %d, err = %v, want EOF", i, n, err)
		}
	}
	if got := ts.srv.Stats().Active; got != 0 {
		t.Errorf("Active = %d, want 0", got)
	}
}

// TestServer_AcceptOutOfDescriptors は記述子不足のとき次の待機で待ち受けを監視しないことを確認する
func TestServer_AcceptOutOfDescriptors(t *testing.T) {
	store, _ := content.Embedded()
	srv, err := Listen(Config{Host: "127.0.0.1"}, store)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	testCases := []struct {
		name      string
		err       error
		wantPause bool
	}{
		{"EMFILE", unix.EMFILE, true},
		{"ENFILE", unix.ENFILE, true},
		{"EAGAIN", unix.EAGAIN, false},
		{"ECONNABORTED", unix.ECONNABORTED, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv.accept4 = func(int, int) (int, unix.Sockaddr, error) {
				return -1, nil, tc.err
			}
			srv.accept()

			sets := dispatcher.NewSets()
			srv.BeforeWait(sets)
			if got := sets.Readable(srv.fd); got == tc.wantPause {
				t.Errorf("1回目の待ち受け監視 = %v, want %v", got, !tc.wantPause)
			}

			// 見送るのは1回だけ
			sets.Reset()
			srv.BeforeWait(sets)
			if !sets.Readable(srv.fd) {
				t.Error("2回目は待ち受けを監視するはずです")
			}
		})
	}
	if got := srv.Stats().Accepted; got != 0 {
		t.Errorf("Accepted = %d, want 0", got)
	}
}

// TestServer_Close は Close が接続を強制的に閉じることを確認する
func TestServer_Close(t *testing.T) {
	store, _ := content.Embedded()
	clock := dispatcher.NewClock(nil)
	srv, err := Listen(Config{Host: "127.0.0.1"}, store, WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}

	d := dispatcher.New(dispatcher.WithParticipant(srv), dispatcher.WithClock(clock))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitFor(t, "接続の受け付け", func() bool { return srv.Stats().Active == 1 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(srv.conns) != 0 || srv.Stats().Active != 0 {
		t.Errorf("Close 後も接続が残っています: %d", len(srv.conns))
	}
	if err := srv.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("2回目の Close = %v, want ErrClosed", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("サーバー側で閉じた接続から読めてしまいました")
	}
	if _, err := net.DialTimeout("tcp", srv.Addr(), time.Second); err == nil {
		t.Error("Close 後も待ち受けています")
	}
}

func TestListen_Errors(t *testing.T) {
	store, _ := content.Embedded()

	if _, err := Listen(Config{Host: "not-an-ip"}, store); err == nil {
		t.Error("無効なホストでエラーになりませんでした")
	}
	if _, err := Listen(Config{Host: "127.0.0.1"}, nil); err == nil {
		t.Error("取得元なしでエラーになりませんでした")
	}

	// 使用中のポート
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port
	if srv, err := Listen(Config{Host: "127.0.0.1", Port: port}, store); err == nil {
		srv.Close()
		t.Error("使用中のポートでエラーになりませんでした")
	}
}

func TestConnState_String(t *testing.T) {
	states := map[connState]string{
		stateAccepting:       "accepting",
		stateReadingRequest:  "reading_request",
		stateResolving:       "resolving",
		stateWritingResponse: "writing_response",
		stateClosing:         "closing",
		connState(99):        "unknown",
	}
	for s, want := range states {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
