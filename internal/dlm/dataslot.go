package dlm

import (
	"context"
	"errors"
	"time"
)

// DataSlot is the worker loop that streams chunks: pull a chunk, pick a
// source, fetch, report the outcome, repeat while the download is loading.
type DataSlot struct {
	dl *Download
}

func newDataSlot(dl *Download) *DataSlot {
	return &DataSlot{dl: dl}
}

// run executes the loop. preChunk/preConn let the first slot of a fresh
// download inherit the root chunk and the InfoSlot's resolved source
// without going through the pending queue or getNextSource.
func (s *DataSlot) run(ctx context.Context, preChunk *Chunk, preConn *Connection) {
	chunk := preChunk
	conn := preConn
	var waitUntil time.Time

	for {
		if ctx.Err() != nil || !s.dl.IsLoading() {
			return
		}

		if chunk == nil {
			c, active := s.dl.dequeueChunk(ctx)
			if !active {
				return
			}
			if c == nil {
				continue // 200ms timeout; recheck loading state
			}
			chunk = c
		}

		var src *Source
		if conn != nil {
			src = conn.Source()
		} else {
			for {
				if !s.dl.IsLoading() {
					return
				}
				var picked *Source
				picked, waitUntil = s.dl.getNextSource()
				if picked != nil {
					src = picked
					break
				}
				if s.dl.State() == StateFailed {
					s.dl.onChunkFailed(chunk, nil, false)
					return
				}
				if !s.dl.waitForSource(ctx) {
					return
				}
			}
			conn = NewConnection(s.dl.fetcher, src)
		}

		if !waitUntil.IsZero() {
			if !sleepUntil(ctx, waitUntil) {
				chunk, conn = nil, nil
				continue
			}
			waitUntil = time.Time{}
		}
		if !s.dl.IsLoading() {
			return
		}

		fixed := s.dl.FixChunk(chunk)
		if fixed.OriginalLength() == 0 && fixed.Length() == 0 {
			s.dl.onChunkFinished(fixed, src, false)
			chunk, conn = nil, nil
			continue
		}

		dataReceived := false
		fixed.setOnFirstByte(func() {
			dataReceived = true
			src.IncActiveSlots()
			s.dl.onChunkStarted(fixed)
		})

		err := conn.FetchData(ctx, fixed, s.dl.targetFile, s.dl)
		fixed.setOnFirstByte(nil)

		switch {
		case err == nil:
			s.dl.onChunkFinished(fixed, src, dataReceived)
		case errors.Is(err, ErrRangeNotSupported):
			s.dl.log.Add(SeverityWarning, "dataslot", "server ignored the range request, demoting to single-connection mode")
			s.dl.onChunkFailed(fixed, src, false)
		default:
			switch e := err.(type) {
			case *ChunkNotFinishedError:
				if e.Critical {
					src.AddFail(dataReceived)
					s.dl.onChunkFailed(fixed, src, false)
				} else {
					s.dl.log.Add(SeverityInfo, "dataslot", e.Error())
					s.dl.onChunkFailed(fixed, src, false)
				}
			case *TargetFileError:
				s.dl.onChunkFailed(fixed, src, true)
			default:
				src.AddFail(dataReceived)
				s.dl.onChunkFailed(fixed, src, false)
			}
		}

		chunk, conn = nil, nil
	}
}
