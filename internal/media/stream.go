package media

import (
	"io"
	"sync"
)

// RawStream is an un-normalized byte stream handed from a fetcher to the converter.
type RawStream struct {
	io.ReadCloser
	// Length is the declared size in bytes, -1 when unknown.
	Length int64
	// Container is the source container or codec hint ("mp3", "webm", ...), empty when unknown.
	Container string
}

// NewRawStream wraps rc. closeFn, when set, runs after rc is closed and its error is reported instead of
// rc's own.
func NewRawStream(rc io.ReadCloser, length int64, container string, closeFn func() error) *RawStream {
	if closeFn != nil {
		rc = &hookCloser{ReadCloser: rc, hook: closeFn}
	}

	return &RawStream{ReadCloser: rc, Length: length, Container: container}
}

type hookCloser struct {
	io.ReadCloser
	hook func() error
	once sync.Once
	err  error
}

func (c *hookCloser) Close() error {
	c.once.Do(func() {
		_ = c.ReadCloser.Close()
		c.err = c.hook()
	})

	return c.err
}
