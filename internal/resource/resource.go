// Package resource は配信対象のリソースと、その取得元が満たす契約を定義する
package resource

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound はパスに対応するリソースが存在しないことを表す
	ErrNotFound = errors.New("resource not found")
	// ErrForbidden はパスが配信範囲の外を指していることを表す
	ErrForbidden = errors.New("resource forbidden")
)

// Resource は解決済みのコンテンツ
// Data は取得元が所有する読み取り専用のバイト列
type Resource struct {
	Path string
	Data []byte
}

// Size はボディのバイト数を返す
func (r Resource) Size() int {
	return len(r.Data)
}

// Source は正規化済みパスからリソースを引く
// 組み込みテーブルとドキュメントルートの両方がこれを実装する
type Source interface {
	Lookup(path string) (Resource, error)
}

// CheckPath はファイルシステムに触れる前に文字列だけでパスを検査する
// "/" で始まらないパスと ".." セグメントを含むパスは ErrForbidden
func CheckPath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return ErrForbidden
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return ErrForbidden
		}
	}
	if strings.ContainsRune(path, '\\') || strings.ContainsRune(path, 0) {
		return ErrForbidden
	}
	return nil
}
