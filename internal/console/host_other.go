//go:build !unix

package console

import (
	"os"
)

// hostReader drains the file on a goroutine since there is no portable
// zero-timeout poll.
type hostReader struct {
	ch   chan byte
	done chan struct{}
}

func newHostReader(f *os.File) (*hostReader, error) {
	r := &hostReader{ch: make(chan byte, 64), done: make(chan struct{})}
	go func() {
		var buf [1]byte
		for {
			n, err := f.Read(buf[:])
			if err != nil {
				return
			}
			if n == 1 {
				select {
				case r.ch <- buf[0]:
				case <-r.done:
					return
				}
			}
		}
	}()
	return r, nil
}

func (r *hostReader) tryRead() (byte, bool) {
	select {
	case b := <-r.ch:
		return b, true
	default:
		return 0, false
	}
}

func (r *hostReader) close() {
	close(r.done)
}
