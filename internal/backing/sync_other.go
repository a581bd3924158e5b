//go:build !unix

package backing

import "os"

func syncFile(f *os.File) error {
	return f.Sync()
}
