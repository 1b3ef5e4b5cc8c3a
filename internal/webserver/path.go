package webserver

import (
	"net/url"
	"path"
	"strings"

	"staticagent/internal/resource"
)

// normalizePath はリクエストターゲットを取得元に渡すパスへ正規化する
//
// クエリとフラグメントを落とし、パーセントデコードしたうえで
// ".." セグメントを含むものは正規化の前に拒否する。
// 末尾が "/" のパスには indexFile を付ける。
func normalizePath(target, indexFile string) (string, error) {
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	if !strings.HasPrefix(target, "/") {
		return "", newHTTPError(statusBadRequest, "パスが / で始まっていません")
	}

	p, err := url.PathUnescape(target)
	if err != nil {
		return "", newHTTPError(statusBadRequest, "パスのデコードに失敗しました")
	}
	if strings.ContainsRune(p, 0) {
		return "", newHTTPError(statusBadRequest, "パスに NUL が含まれています")
	}
	if err := resource.CheckPath(p); err != nil {
		return "", newHTTPError(statusForbidden, "親ディレクトリへの参照は禁止されています")
	}

	dir := strings.HasSuffix(p, "/")
	p = path.Clean(p)
	if dir {
		p = strings.TrimSuffix(p, "/") + "/" + indexFile
	}
	return p, nil
}
