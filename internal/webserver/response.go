package webserver

import (
	"net/http"
	"strconv"
	"time"
)

const serverName = "staticagent"

// response は送信待ちのレスポンス
// body は取得元が所有するバイト列をそのまま参照する (コピーしない)
type response struct {
	status int
	head   []byte
	body   []byte
}

// size は送信するバイト数の合計を返す
func (r *response) size() int {
	return len(r.head) + len(r.body)
}

// newResponse はステータスライン、ヘッダー、空行を組み立てる
// omitBody が真なら Content-Length はそのままにボディを送らない (HEAD)
func newResponse(status int, contentType string, body []byte, now time.Time, omitBody bool) *response {
	head := make([]byte, 0, 256)
	head = append(head, "HTTP/1.1 "...)
	head = strconv.AppendInt(head, int64(status), 10)
	head = append(head, ' ')
	head = append(head, http.StatusText(status)...)
	head = append(head, "\r\n"...)

	head = appendHeader(head, "Server", serverName)
	head = appendHeader(head, "Date", now.UTC().Format(http.TimeFormat))
	head = appendHeader(head, "Content-Type", contentType)
	head = appendHeader(head, "Content-Length", strconv.Itoa(len(body)))
	head = appendHeader(head, "Connection", "close")
	head = append(head, "\r\n"...)

	r := &response{status: status, head: head}
	if !omitBody {
		r.body = body
	}
	return r
}

// newErrorResponse はエラー用の短い text/plain レスポンスを作る
func newErrorResponse(status int, now time.Time, omitBody bool) *response {
	body := []byte(strconv.Itoa(status) + " " + http.StatusText(status) + "\n")
	return newResponse(status, "text/plain; charset=utf-8", body, now, omitBody)
}

func appendHeader(b []byte, name, value string) []byte {
	b = append(b, name...)
	b = append(b, ": "...)
	b = append(b, value...)
	return append(b, "\r\n"...)
}
