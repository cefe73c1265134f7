package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ncw/directio"
	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 1024 * 1024 // 1 MiB

var bufPool = sync.Pool{
	// aligned so that sources opened with O_DIRECT can be read
	New: func() interface{} { return directio.AlignedBlock(chunkSize) },
}

// CopyResult describes a finished throttled copy.
type CopyResult struct {
	Bytes  int64
	SHA256 string
}

// CopyThrottled copies the first size bytes of src into a new file at dstPath,
// limited to rateBytesPerSec (<= 0 means unlimited). The destination is
// fsynced before returning.
func CopyThrottled(ctx context.Context, src io.ReaderAt, size int64, dstPath string, rateBytesPerSec int64) (CopyResult, error) {
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return CopyResult{}, fmt.Errorf("open dst: %w", err)
	}
	defer func() {
		_ = dst.Close()
	}()

	// Set up throughput limiter using golang.org/x/time/rate
	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize) // burst = chunkSize
	}

	var (
		readOff int64
		sum     = sha256.New()
	)

	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	for readOff < size {
		want := int64(chunkSize)
		if rem := size - readOff; rem < want {
			want = rem
		}
		n, rerr := src.ReadAt(buf[:want], readOff)
		if n > 0 {
			// throttle: wait until enough tokens available for n bytes
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return CopyResult{}, fmt.Errorf("rate limiter error: %w", err)
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return CopyResult{}, fmt.Errorf("write error: %w", err)
			}
			sum.Write(buf[:n])
			readOff += int64(n)
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return CopyResult{}, fmt.Errorf("read error: %w", rerr)
		}
	}

	// flush to disk
	if err := dst.Sync(); err != nil {
		return CopyResult{}, fmt.Errorf("sync error: %w", err)
	}
	return CopyResult{Bytes: readOff, SHA256: hex.EncodeToString(sum.Sum(nil))}, nil
}
