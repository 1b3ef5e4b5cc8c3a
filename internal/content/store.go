// Package content はバイナリに組み込まれた読み取り専用のコンテンツテーブルを提供する
//
// ドキュメントルートが設定されていない場合、Webサーバーはこのテーブルから配信する。
// テーブルは起動時に一度だけ作られ、実行中に変更されることはない。
package content

import (
	"errors"
	"fmt"

	"staticagent/internal/resource"
)

// Entry はテーブルの1要素
type Entry struct {
	Path string // 一意なキー (例: /index.html)
	Data []byte // 読み取り専用
	Size int    // len(Data)
}

// Store は Entry の順序付きテーブル
type Store struct {
	entries []Entry
	index   map[string]int
}

// NewStore はエントリ列からテーブルを作る
// パスの重複、"/" で始まらないパス、Size と Data の不一致はエラー
func NewStore(entries []Entry) (*Store, error) {
	s := &Store{
		entries: make([]Entry, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
	}

	for _, e := range entries {
		if err := resource.CheckPath(e.Path); err != nil || e.Path == "/" {
			return nil, fmt.Errorf("無効なパス %q: %w", e.Path, errInvalidEntry)
		}
		if e.Size != len(e.Data) {
			return nil, fmt.Errorf("%s: サイズ %d がデータ長 %d と一致しません: %w", e.Path, e.Size, len(e.Data), errInvalidEntry)
		}
		if _, dup := s.index[e.Path]; dup {
			return nil, fmt.Errorf("パス %s が重複しています: %w", e.Path, errInvalidEntry)
		}
		s.index[e.Path] = len(s.entries)
		s.entries = append(s.entries, e)
	}

	return s, nil
}

var errInvalidEntry = errors.New("invalid content entry")

// Lookup は完全一致でエントリを引く
func (s *Store) Lookup(path string) (resource.Resource, error) {
	i, ok := s.index[path]
	if !ok {
		return resource.Resource{}, fmt.Errorf("%s: %w", path, resource.ErrNotFound)
	}
	e := s.entries[i]
	return resource.Resource{Path: e.Path, Data: e.Data}, nil
}

// Entries はテーブルの全エントリを登録順に返す
func (s *Store) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len はエントリ数を返す
func (s *Store) Len() int {
	return len(s.entries)
}
