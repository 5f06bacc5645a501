// Package progress reports how far a stream has been consumed.
package progress

import "io"

// Reader wraps an io.Reader and reports progress via a callback every interval bytes, and once more when the
// wrapped reader is exhausted.
type Reader struct {
	r          io.Reader
	total      int64
	interval   int64
	onProgress func(read, total int64)

	read       int64
	sinceLast  int64
	reportedAt int64
}

// NewReader wraps r. total may be -1 when the size is unknown.
func NewReader(r io.Reader, total, interval int64, cb func(read, total int64)) *Reader {
	return &Reader{
		r:          r,
		total:      total,
		interval:   interval,
		onProgress: cb,
		reportedAt: -1,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.sinceLast += int64(n)

		if pr.sinceLast >= pr.interval {
			pr.report()
		}
	}

	if err == io.EOF && pr.reportedAt != pr.read {
		pr.report()
	}

	return n, err
}

// BytesRead returns the number of bytes consumed so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

func (pr *Reader) report() {
	pr.sinceLast = 0
	pr.reportedAt = pr.read

	if pr.onProgress != nil {
		pr.onProgress(pr.read, pr.total)
	}
}
