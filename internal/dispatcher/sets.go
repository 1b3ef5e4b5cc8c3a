package dispatcher

import "golang.org/x/sys/unix"

// FdSetSize は select(2) で扱えるディスクリプタ数の上限
const FdSetSize = 1024

// Sets は1回の待機で使う3種類の監視集合
type Sets struct {
	read   unix.FdSet
	write  unix.FdSet
	except unix.FdSet
	max    int
}

// Reset は全集合を空にする
func (s *Sets) Reset() {
	s.read.Zero()
	s.write.Zero()
	s.except.Zero()
	s.max = -1
}

// AddRead は fd を読み込み監視に加える
// 範囲外の fd は加えずに false を返す
func (s *Sets) AddRead(fd int) bool {
	return s.add(&s.read, fd)
}

// AddWrite は fd を書き込み監視に加える
func (s *Sets) AddWrite(fd int) bool {
	return s.add(&s.write, fd)
}

// AddExcept は fd を例外監視に加える
func (s *Sets) AddExcept(fd int) bool {
	return s.add(&s.except, fd)
}

func (s *Sets) add(set *unix.FdSet, fd int) bool {
	if fd < 0 || fd >= FdSetSize {
		return false
	}
	set.Set(fd)
	if fd > s.max {
		s.max = fd
	}
	return true
}

// Readable は待機後に fd が読み込み可能かを返す
func (s *Sets) Readable(fd int) bool {
	return inRange(fd) && s.read.IsSet(fd)
}

// Writable は待機後に fd が書き込み可能かを返す
func (s *Sets) Writable(fd int) bool {
	return inRange(fd) && s.write.IsSet(fd)
}

// Exceptional は待機後に fd に例外状態があるかを返す
func (s *Sets) Exceptional(fd int) bool {
	return inRange(fd) && s.except.IsSet(fd)
}

// Max は登録された最大の fd を返す (未登録なら -1)
func (s *Sets) Max() int {
	return s.max
}

func inRange(fd int) bool {
	return fd >= 0 && fd < FdSetSize
}

// NewSets は空の監視集合を作る
func NewSets() *Sets {
	s := &Sets{}
	s.Reset()
	return s
}
