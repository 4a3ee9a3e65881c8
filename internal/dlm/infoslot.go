package dlm

import (
	"context"
	"fmt"
)

// InfoSlot is the single-shot worker that probes a download's primary
// source for its real URL, filename, and size.
type InfoSlot struct {
	dl *Download
}

func newInfoSlot(dl *Download) *InfoSlot {
	return &InfoSlot{dl: dl}
}

// run loops retrying the primary source until it succeeds, the source's
// retry budget is exhausted, or ctx is cancelled because the download
// left fetching_info.
func (s *InfoSlot) run(ctx context.Context) {
	src := s.dl.primarySource()
	if src == nil {
		s.dl.onInfoFailed()
		return
	}

	for {
		if ctx.Err() != nil || !s.dl.IsFetchingInfo() {
			return
		}

		decision := src.IsRetryAllowed()
		if !decision.Allowed {
			s.dl.onInfoFailed()
			return
		}
		if !sleepUntil(ctx, decision.WaitUntil) {
			return
		}
		if !s.dl.IsFetchingInfo() {
			return
		}

		conn := NewConnection(s.dl.fetcher, src)
		realURL, filename, filesize, err := conn.FetchInfo(ctx)
		if err != nil {
			src.AddFail(false)
			s.dl.log.Add(SeverityWarning, "infoslot", fmt.Sprintf("probe failed on %s: %v", src.OriginalURL(), err))
			continue
		}

		if realURL != "" {
			src.SetURL(realURL)
		}
		s.dl.onInfoFetched(src, filename, filesize)
		return
	}
}
