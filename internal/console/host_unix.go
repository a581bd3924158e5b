//go:build unix

package console

import (
	"os"

	"golang.org/x/sys/unix"
)

// hostReader polls the descriptor with a zero timeout.
type hostReader struct {
	fd int
}

func newHostReader(f *os.File) (*hostReader, error) {
	return &hostReader{fd: int(f.Fd())}, nil
}

func (r *hostReader) tryRead() (byte, bool) {
	fds := []unix.PollFd{{Fd: int32(r.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	if err != nil || n == 0 || fds[0].Revents&unix.POLLIN == 0 {
		return 0, false
	}
	var buf [1]byte
	m, err := unix.Read(r.fd, buf[:])
	if err != nil || m != 1 {
		return 0, false
	}
	return buf[0], true
}

func (r *hostReader) close() {}
