package content

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteOut はテーブルの全エントリを dir 以下にファイルとして書き出す
// 途中のディレクトリは必要に応じて作成する
func (s *Store) WriteOut(dir string) error {
	for _, e := range s.entries {
		target := filepath.Join(dir, filepath.FromSlash(e.Path))

		if err := createPath(filepath.Dir(target)); err != nil {
			return err
		}
		if err := createFile(target, e.Data); err != nil {
			return err
		}
	}
	return nil
}

// createPath はディレクトリを親ごと作る
func createPath(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ディレクトリの作成に失敗 (%s): %w", dir, err)
	}
	return nil
}

// createFile はファイルを作成(既存なら切り詰め)して data を書く
func createFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("ファイルの書き込みに失敗 (%s): %w", path, err)
	}
	return nil
}
