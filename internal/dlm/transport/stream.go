// Package transport provides dlm.Fetcher implementations for the URL
// schemes a Source can name: HTTP/HTTPS range requests and FTP REST/RETR.
package transport

import (
	"context"
	"io"

	"github.com/mkdlm/rangedl/internal/dlm"
)

// streamBufferSize caps every read at 4096 bytes, matching the original
// connection's hardcoded to_load ceiling so no single read call can stall
// the cancellation/state checks below for long.
const streamBufferSize = 4096

// streamInto copies body into tf starting at chunk's current write
// position, advancing chunk.AddLoaded as bytes land and stopping at the
// chunk's known end, at EOF, at ctx cancellation, or at a download that
// has left loading. It is shared by the HTTP and FTP fetchers since both
// ultimately reduce to "copy a byte stream into a positioned file".
func streamInto(ctx context.Context, body io.Reader, tf *dlm.TargetFile, chunk *dlm.Chunk, dl *dlm.Download) error {
	slotsSupported := dl.SlotsSupported()
	pos := chunk.Offset() + chunk.Loaded()
	end := chunk.End(slotsSupported)
	knownEnd := chunk.LengthKnown(slotsSupported)

	buf := make([]byte, streamBufferSize)
	for {
		if ctx.Err() != nil {
			return &dlm.ChunkNotFinishedError{Critical: false, Reason: "cancelled"}
		}
		if !dl.IsLoading() {
			return &dlm.ChunkNotFinishedError{Critical: false, Reason: "download left loading"}
		}
		if knownEnd && pos >= end {
			return nil
		}

		want := len(buf)
		if knownEnd {
			if remaining := end - pos; remaining < int64(want) {
				want = int(remaining)
			}
		}

		n, readErr := body.Read(buf[:want])
		if n > 0 {
			if _, err := tf.Write(pos, buf[:n]); err != nil {
				return &dlm.TargetFileError{Err: err}
			}
			pos += int64(n)
			chunk.AddLoaded(int64(n))
		}

		if readErr == io.EOF {
			if knownEnd && pos < end {
				return &dlm.ChunkNotFinishedError{Critical: true, Reason: "connection closed before chunk finished"}
			}
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
