//go:build linux

package broker

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fallocate reserves size bytes for path without changing its apparent size.
// Blocks already allocated are left alone.
func fallocate(path string, size int64) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if st.Blocks*512 >= size {
		return nil
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_KEEP_SIZE, 0, size); err != nil {
		return fmt.Errorf("failed to fallocate %s: %w", path, err)
	}
	return nil
}
