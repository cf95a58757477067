package progress

import "io"

// Reader wraps an io.Reader and reports cumulative progress via a callback.
type Reader struct {
	reader         io.Reader
	total          int64
	onProgress     func(written int64, total int64)
	totalRead      int64 // cumulative total, includes the initial offset
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes
}

// NewReader creates a progress-reporting reader. offset seeds the cumulative
// count for resumed transfers; the callback fires every interval bytes.
func NewReader(r io.Reader, offset, total, interval int64, cb func(written int64, total int64)) *Reader {
	return &Reader{
		reader:         r,
		total:          total,
		onProgress:     cb,
		totalRead:      offset,
		reportInterval: interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.lastReport >= pr.reportInterval {
			pr.onProgress(pr.totalRead, pr.total)
			pr.lastReport = 0
		}
	}

	return n, err
}

// Written returns the cumulative byte count, including any initial offset.
func (pr *Reader) Written() int64 {
	return pr.totalRead
}
