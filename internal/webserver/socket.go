package webserver

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"staticagent/internal/dispatcher"
)

// listenTCP は非ブロッキングの待ち受けソケットを作る
// port が 0 ならカーネルが空きポートを選ぶ
func listenTCP(host string, port int) (int, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return -1, fmt.Errorf("無効なホスト: %q", host)
	}

	var (
		domain int
		sa     unix.Sockaddr
	)
	if ip4 := ip.To4(); ip4 != nil {
		addr := &unix.SockaddrInet4{Port: port}
		copy(addr.Addr[:], ip4)
		domain, sa = unix.AF_INET, addr
	} else {
		addr := &unix.SockaddrInet6{Port: port}
		copy(addr.Addr[:], ip.To16())
		domain, sa = unix.AF_INET6, addr
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("ソケットの作成に失敗: %w", err)
	}

	if err := setupListener(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if fd >= dispatcher.FdSetSize {
		unix.Close(fd)
		return -1, fmt.Errorf("待ち受けソケットの fd %d が select の上限を超えています", fd)
	}
	return fd, nil
}

func setupListener(fd int, sa unix.Sockaddr) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("SO_REUSEADDR の設定に失敗: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("%s へのバインドに失敗: %w", sockaddrString(sa), err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fmt.Errorf("listen に失敗: %w", err)
	}
	return nil
}

// sockaddrString は "host:port" 形式の文字列を返す
func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return "unknown"
	}
}

// isTemporary は操作をレディネス通知まで待てばよいエラーかどうかを返す
func isTemporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

// isTransientAccept は accept の一時的な失敗かどうかを返す
func isTransientAccept(err error) bool {
	return isTemporary(err) || errors.Is(err, unix.ECONNABORTED) || errors.Is(err, unix.EPROTO)
}

// isOutOfDescriptors はプロセスまたはシステムの記述子が尽きたことを表すか
func isOutOfDescriptors(err error) bool {
	return errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE)
}
