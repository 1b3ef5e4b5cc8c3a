package content

import (
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"sync"
)

//go:embed all:www
var embedFS embed.FS

var (
	embeddedOnce  sync.Once
	embeddedStore *Store
	embeddedErr   error
)

// Embedded はバイナリに埋め込まれた www 以下のファイルから作ったテーブルを返す
// テーブルは初回呼び出し時に一度だけ構築され、以後は共有される
func Embedded() (*Store, error) {
	embeddedOnce.Do(func() {
		entries, err := loadEntries(embedFS, "www")
		if err != nil {
			embeddedErr = fmt.Errorf("埋め込みコンテンツの読み込みに失敗: %w", err)
			return
		}
		embeddedStore, embeddedErr = NewStore(entries)
	})
	return embeddedStore, embeddedErr
}

// loadEntries は fsys の dir 以下の通常ファイルを辞書順に Entry へ変換する
func loadEntries(fsys fs.FS, dir string) ([]Entry, error) {
	var entries []Entry
	err := fs.WalkDir(fsys, dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Path: "/" + strings.TrimPrefix(p, dir+"/"),
			Data: data,
			Size: len(data),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
