package flushmanager

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dsnet/golib/memfile"
	"github.com/ncw/directio"
)

// BlockFile is the random-access byte store under a DiskManager. *os.File
// and *memfile.File both satisfy it.
type BlockFile interface {
	io.ReaderAt
	io.WriterAt
	io.Seeker
}

type syncer interface{ Sync() error }

// openBlockFile opens the backing store described by cfg.
func openBlockFile(cfg Config) (BlockFile, error) {
	if cfg.InMemory {
		return memfile.New(nil), nil
	}

	_, statErr := os.Stat(cfg.Path)
	created := os.IsNotExist(statErr)
	if statErr != nil && !created {
		return nil, fmt.Errorf("%w: stating file %s: %v", ErrIO, cfg.Path, statErr)
	}
	if created && !cfg.Create {
		return nil, fmt.Errorf("%w: %s", ErrDBFileNotFound, cfg.Path)
	}

	var (
		file *os.File
		err  error
	)
	if cfg.DirectIO {
		// this works because directio.BlockSize divides the page size
		file, err = directio.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0666)
	} else {
		file, err = os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0666)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, cfg.Path, err)
	}
	return file, nil
}

// fileSize reports the current length of f.
func fileSize(f BlockFile) (int64, error) {
	if osf, ok := f.(*os.File); ok {
		fi, err := osf.Stat()
		if err != nil {
			return 0, err
		}
		return fi.Size(), nil
	}
	return f.Seek(0, io.SeekEnd)
}

// readFull reads len(buf) bytes at off, turning a short read into an error.
func readFull(f BlockFile, buf []byte, off int64) error {
	n, err := f.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("short read at offset %d, expected %d bytes, got %d: %w", off, len(buf), n, err)
}

// writeFull writes buf at off, turning a short write into an error.
func writeFull(f BlockFile, buf []byte, off int64) error {
	n, err := f.WriteAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short write at offset %d, expected %d bytes, wrote %d: %w", off, len(buf), n, io.ErrShortWrite)
	}
	return nil
}
