package webserver

import (
	"bytes"
	"net/textproto"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Request は解析済みのリクエストライン+ヘッダー
type Request struct {
	Method  string
	Target  string // リクエストラインに書かれたままのパス
	Version string
	Header  map[string]string
}

var (
	crlfcrlf = []byte("\r\n\r\n")
	lflf     = []byte("\n\n")
)

// headerEnd はヘッダーブロック終端の直後の位置を返す (未到達なら -1)
func headerEnd(buf []byte) int {
	end := -1
	if i := bytes.Index(buf, crlfcrlf); i >= 0 {
		end = i + len(crlfcrlf)
	}
	if i := bytes.Index(buf, lflf); i >= 0 && (end < 0 || i+len(lflf) < end) {
		end = i + len(lflf)
	}
	return end
}

// parseRequest はバッファからリクエストを読み取る
// ヘッダーブロックがまだ揃っていなければ (nil, nil) を返す
// リクエストラインの前の空行は読み飛ばす (RFC 9112 2.2)
func parseRequest(buf []byte, maxBytes int) (*Request, error) {
	msg := bytes.TrimLeft(buf, "\r\n")
	lead := len(buf) - len(msg)

	end := headerEnd(msg)
	if end < 0 {
		if len(buf) >= maxBytes {
			return nil, newHTTPError(statusHeaderFieldsTooLarge, "ヘッダーが大きすぎます")
		}
		return nil, nil
	}
	if lead+end > maxBytes {
		return nil, newHTTPError(statusHeaderFieldsTooLarge, "ヘッダーが大きすぎます")
	}

	lines := strings.Split(strings.TrimRight(string(msg[:end]), "\r\n"), "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}

	req, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, err
	}

	req.Header = make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		if err := req.addHeader(line); err != nil {
			return nil, err
		}
	}

	return req, nil
}

// parseRequestLine は "METHOD SP PATH SP VERSION" を解析する
func parseRequestLine(line string) (*Request, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return nil, newHTTPError(statusBadRequest, "不正なリクエストライン")
	}
	method, target, version := parts[0], parts[1], parts[2]

	if !isToken(method) {
		return nil, newHTTPError(statusBadRequest, "不正なメソッド")
	}
	if target == "" {
		return nil, newHTTPError(statusBadRequest, "パスがありません")
	}
	if err := checkVersion(version); err != nil {
		return nil, err
	}

	return &Request{Method: method, Target: target, Version: version}, nil
}

// checkVersion は HTTP/1.0 と HTTP/1.1 だけを受け付ける
func checkVersion(v string) error {
	switch v {
	case "HTTP/1.0", "HTTP/1.1":
		return nil
	}
	rest, ok := strings.CutPrefix(v, "HTTP/")
	if ok && len(rest) >= 1 && isDigits(strings.Replace(rest, ".", "", 1)) {
		return newHTTPError(statusVersionNotSupported, "未対応のHTTPバージョン")
	}
	return newHTTPError(statusBadRequest, "不正なHTTPバージョン")
}

func (r *Request) addHeader(line string) error {
	if line == "" {
		return nil
	}
	if line[0] == ' ' || line[0] == '\t' {
		return newHTTPError(statusBadRequest, "ヘッダーの折り返しには対応していません")
	}

	name, value, ok := strings.Cut(line, ":")
	if !ok || !httpguts.ValidHeaderFieldName(name) {
		return newHTTPError(statusBadRequest, "不正なヘッダー")
	}
	value = strings.TrimSpace(value)
	if !httpguts.ValidHeaderFieldValue(value) {
		return newHTTPError(statusBadRequest, "不正なヘッダー値")
	}

	key := textproto.CanonicalMIMEHeaderKey(name)
	if prev, dup := r.Header[key]; dup {
		value = prev + ", " + value
	}
	r.Header[key] = value
	return nil
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !httpguts.IsTokenRune(c) {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
