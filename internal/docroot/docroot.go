// Package docroot はリクエストパスを設定されたドキュメントルート以下のファイルに対応付ける
package docroot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"staticagent/internal/resource"
)

// Resolver はドキュメントルート以下のファイルを引く
type Resolver struct {
	root      string // 絶対パス、末尾の区切り文字なし
	indexFile string
}

// New は root を検証して Resolver を作る
// root が存在しない、またはディレクトリでない場合はエラー
func New(root, indexFile string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("ドキュメントルートの解決に失敗 (%s): %w", root, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("無効なドキュメントルート: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("無効なドキュメントルート: %s はディレクトリではありません", abs)
	}

	if indexFile == "" {
		indexFile = "index.html"
	}

	return &Resolver{root: abs, indexFile: indexFile}, nil
}

// Root はドキュメントルートの絶対パスを返す
func (r *Resolver) Root() string {
	return r.root
}

// Lookup は urlPath に対応するファイルを読む
// 親ディレクトリへの参照はファイルシステムに触れる前に ErrForbidden で拒否する
func (r *Resolver) Lookup(urlPath string) (resource.Resource, error) {
	if err := resource.CheckPath(urlPath); err != nil {
		return resource.Resource{}, fmt.Errorf("%q: %w", urlPath, err)
	}

	full, err := r.join(urlPath)
	if err != nil {
		return resource.Resource{}, err
	}

	info, err := os.Stat(full)
	if err != nil {
		return resource.Resource{}, r.wrapFSError(urlPath, err)
	}
	if info.IsDir() {
		urlPath = path.Join(urlPath, r.indexFile)
		full = filepath.Join(full, r.indexFile)
		if info, err = os.Stat(full); err != nil {
			return resource.Resource{}, r.wrapFSError(urlPath, err)
		}
	}
	if !info.Mode().IsRegular() {
		return resource.Resource{}, fmt.Errorf("%s: 通常ファイルではありません: %w", urlPath, resource.ErrForbidden)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return resource.Resource{}, r.wrapFSError(urlPath, err)
	}

	return resource.Resource{Path: urlPath, Data: data}, nil
}

// join は urlPath をルート配下の絶対パスに変換し、ルートの外に出ないことを確認する
func (r *Resolver) join(urlPath string) (string, error) {
	full := filepath.Join(r.root, filepath.FromSlash(path.Clean(urlPath)))
	if full != r.root && !strings.HasPrefix(full, r.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%q はルートの外を指しています: %w", urlPath, resource.ErrForbidden)
	}
	return full, nil
}

func (r *Resolver) wrapFSError(urlPath string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		return fmt.Errorf("%s: %w", urlPath, resource.ErrNotFound)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s: %w", urlPath, resource.ErrForbidden)
	default:
		return fmt.Errorf("%s の読み込みに失敗: %w", urlPath, err)
	}
}
