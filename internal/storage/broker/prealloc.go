package broker

import (
	"os"

	"go.uber.org/zap"
)

const mb = 1024 * 1024

// preallocationTarget returns the size a database of fileSize bytes should be
// grown to: 1, 2, 5, 10, 25 and 50 MB, then every further 50 MB. A step is
// taken once the file is within half a megabyte of the current one.
func preallocationTarget(fileSize int64) int64 {
	var point int64
	for _, step := range []int64{1, 2, 5, 10, 25, 50} {
		point = step * mb
		if fileSize <= point-mb/2 {
			return point
		}
	}
	for {
		point += 50 * mb
		if fileSize <= point-mb/2 {
			return point
		}
	}
}

func (b *AccountBroker) preallocateDB() {
	if !b.preallocate {
		return
	}
	st, err := os.Stat(b.dbPath)
	if err != nil {
		return
	}
	if err := fallocate(b.dbPath, preallocationTarget(st.Size())); err != nil {
		b.logger.Warn("Database preallocation failed", zap.Error(err))
	}
}
