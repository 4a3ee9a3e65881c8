package dlm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// State is a Download's lifecycle position.
type State int

const (
	StateReady State = iota
	StateFetchingInfo
	StateLoading
	StatePaused
	StateCancelled
	StateFailed
	StateFinished
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateFetchingInfo:
		return "fetching_info"
	case StateLoading:
		return "loading"
	case StatePaused:
		return "paused"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	case StateFinished:
		return "finished"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// isValidTransition implements the state table in full: requests to the
// terminal-ish states (paused/cancelled/failed/finished) are physically
// mediated by an intermediate "stopping" state, but validity is judged
// against the logical target named here.
func isValidTransition(from, to State) bool {
	switch from {
	case StateReady:
		switch to {
		case StateFetchingInfo, StateLoading, StatePaused, StateCancelled, StateFailed, StateFinished:
			return true
		}
	case StateFetchingInfo:
		switch to {
		case StateLoading, StatePaused, StateCancelled, StateFailed, StateFinished:
			return true
		}
	case StateLoading:
		switch to {
		case StatePaused, StateCancelled, StateFailed, StateFinished:
			return true
		}
	case StatePaused:
		switch to {
		case StateReady, StateCancelled:
			return true
		}
	case StateCancelled, StateFailed:
		return to == StateReady
	}
	return false
}

// Download is a single file's end-to-end state machine: chunk table,
// source list, slot pool, and persisted progress.
type Download struct {
	id      string
	fetcher Fetcher
	log     *Log

	stateMu      sync.Mutex
	state        State
	transitionMu sync.Mutex

	slotsMu        sync.Mutex
	slotsSupported bool

	targetFolder string

	filenameMu       sync.Mutex
	filename         string
	originalFilename string

	filesizeMu sync.Mutex
	filesize   int64

	chunkSizeMu sync.Mutex
	chunkSize   int64

	maxSlotMu sync.Mutex
	maxSlot   int

	chunksMu sync.Mutex
	chunks   []*Chunk
	root     *Chunk

	sourcesMu      sync.Mutex
	sources        []*Source
	lastUsedSource int
	sourceCond     *sync.Cond

	pending chan *Chunk

	infosFetchedMu sync.Mutex
	infosFetched   bool

	targetFileMu sync.Mutex
	targetFile   *TargetFile

	wg sync.WaitGroup

	runMu     sync.Mutex
	runCancel context.CancelFunc

	errMu   sync.Mutex
	lastErr error

	StatusChanged EventListener[State]
}

// NewDownload creates a Download rooted at targetFolder, addressing its
// file as filename and fetching bytes through fetcher.
func NewDownload(id, targetFolder, filename string, fetcher Fetcher) *Download {
	d := &Download{
		id:           id,
		fetcher:      fetcher,
		log:          NewLog(),
		targetFolder: targetFolder,
		filename:     filename,
		state:        StateReady,
		chunkSize:    2 * 1024 * 1024,
		maxSlot:      3,
		filesize:     Unknown,
		pending:      make(chan *Chunk, 4096),
	}
	d.sourceCond = sync.NewCond(&d.sourcesMu)
	return d
}

func (d *Download) ID() string { return d.id }

func (d *Download) Log() *Log { return d.log }

// Err returns the fatal error that last moved this download into
// StateFailed, or nil if it has never failed (or failed before any
// component recorded a cause).
func (d *Download) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.lastErr
}

// setErr records the cause of an impending StateFailed transition. Called
// right before requestState(StateFailed) by the handful of fatal paths
// that have an actual error value rather than a transport-layer retry.
func (d *Download) setErr(err error) {
	d.errMu.Lock()
	d.lastErr = err
	d.errMu.Unlock()
}

func (d *Download) State() State {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

func (d *Download) setStateRaw(s State) {
	d.stateMu.Lock()
	d.state = s
	d.stateMu.Unlock()
}

func (d *Download) IsLoading() bool      { return d.State() == StateLoading }
func (d *Download) IsFetchingInfo() bool { return d.State() == StateFetchingInfo }

func (d *Download) SlotsSupported() bool {
	d.slotsMu.Lock()
	defer d.slotsMu.Unlock()
	return d.slotsSupported
}

// setSlotsSupported is a one-way latch: once true, calls with false are
// no-ops, preserving the monotonic false-to-true invariant.
func (d *Download) setSlotsSupported(v bool) {
	if !v {
		return
	}
	d.slotsMu.Lock()
	d.slotsSupported = true
	d.slotsMu.Unlock()
}

func (d *Download) Filename() string {
	d.filenameMu.Lock()
	defer d.filenameMu.Unlock()
	return d.filename
}

func (d *Download) setFilename(name string) {
	d.filenameMu.Lock()
	if d.originalFilename == "" {
		d.originalFilename = name
	}
	d.filename = name
	d.filenameMu.Unlock()
}

func (d *Download) OriginalFilename() string {
	d.filenameMu.Lock()
	defer d.filenameMu.Unlock()
	return d.originalFilename
}

func (d *Download) Filesize() int64 {
	d.filesizeMu.Lock()
	defer d.filesizeMu.Unlock()
	return d.filesize
}

func (d *Download) setFilesize(n int64) {
	d.filesizeMu.Lock()
	d.filesize = n
	d.filesizeMu.Unlock()
}

func (d *Download) ChunkSize() int64 {
	d.chunkSizeMu.Lock()
	defer d.chunkSizeMu.Unlock()
	return d.chunkSize
}

// SetChunkSize sets the minimum split floor. Idempotent: calling it twice
// with the same value is observationally identical to calling it once.
func (d *Download) SetChunkSize(n int64) {
	d.chunkSizeMu.Lock()
	d.chunkSize = n
	d.chunkSizeMu.Unlock()
}

func (d *Download) MaxSlot() int {
	d.maxSlotMu.Lock()
	defer d.maxSlotMu.Unlock()
	return d.maxSlot
}

// SetMaxSlot sets the concurrent-slot cap. Idempotent, see SetChunkSize.
func (d *Download) SetMaxSlot(n int) {
	d.maxSlotMu.Lock()
	d.maxSlot = n
	d.maxSlotMu.Unlock()
}

func (d *Download) InfosFetched() bool {
	d.infosFetchedMu.Lock()
	defer d.infosFetchedMu.Unlock()
	return d.infosFetched
}

func (d *Download) TargetFolder() string { return d.targetFolder }

func (d *Download) tempPath() string {
	return filepath.Join(d.targetFolder, d.Filename()+".dl")
}

// GetBytesLoaded sums BytesLoaded across every chunk in the table.
func (d *Download) GetBytesLoaded() int64 {
	d.chunksMu.Lock()
	chunks := make([]*Chunk, len(d.chunks))
	copy(chunks, d.chunks)
	d.chunksMu.Unlock()

	slotsSupported := d.SlotsSupported()
	var total int64
	for _, c := range chunks {
		total += c.BytesLoaded(slotsSupported)
	}
	return total
}

// GetRetries sums the retry counters across every source.
func (d *Download) GetRetries() int {
	d.sourcesMu.Lock()
	defer d.sourcesMu.Unlock()
	total := 0
	for _, s := range d.sources {
		total += s.Retries()
	}
	return total
}

// AddSource appends a new mirror and wakes any slot waiting for one.
func (d *Download) AddSource(url string) *Source {
	src := NewSource(url)
	d.sourcesMu.Lock()
	d.sources = append(d.sources, src)
	d.sourcesMu.Unlock()
	d.wakeSourceWaiters()
	return src
}

// RemoveSource drops src from the source list.
func (d *Download) RemoveSource(src *Source) {
	d.sourcesMu.Lock()
	for i, s := range d.sources {
		if s == src {
			d.sources = append(d.sources[:i], d.sources[i+1:]...)
			break
		}
	}
	d.sourcesMu.Unlock()
}

// GetCopyOfSources returns a snapshot of the source list.
func (d *Download) GetCopyOfSources() []*Source {
	d.sourcesMu.Lock()
	defer d.sourcesMu.Unlock()
	out := make([]*Source, len(d.sources))
	copy(out, d.sources)
	return out
}

func (d *Download) primarySource() *Source {
	d.sourcesMu.Lock()
	defer d.sourcesMu.Unlock()
	if len(d.sources) == 0 {
		return nil
	}
	return d.sources[0]
}

func (d *Download) wakeSourceWaiters() {
	d.sourcesMu.Lock()
	d.sourceCond.Broadcast()
	d.sourcesMu.Unlock()
}

// waitForSource blocks until the next source-list change or state change,
// or until ctx is cancelled. The helper goroutine it spawns is released
// by that same broadcast even when ctx fires first (requestState's
// stopping path always broadcasts too), so it never parks forever.
func (d *Download) waitForSource(ctx context.Context) bool {
	woke := make(chan struct{})
	go func() {
		d.sourcesMu.Lock()
		d.sourceCond.Wait()
		d.sourcesMu.Unlock()
		close(woke)
	}()

	select {
	case <-woke:
		return true
	case <-ctx.Done():
		return false
	}
}

// getNextSource implements the round-robin source picker. It returns the
// chosen source and its earliest retry time, or (nil, zero) if no source
// is immediately usable. A round that finds every source invalid or
// retry-exhausted fails the download; a round blocked purely by live
// concurrency ceilings does not.
func (d *Download) getNextSource() (*Source, time.Time) {
	d.sourcesMu.Lock()
	n := len(d.sources)
	validCount, ceilingHit, exhausted := 0, 0, 0
	var picked *Source
	var pickedWait time.Time
	filesize := d.Filesize()

	for i := 1; i <= n; i++ {
		idx := (d.lastUsedSource + i) % n
		src := d.sources[idx]

		if !src.Valid() {
			continue
		}
		if filesize != Unknown && src.Filesize() != Unknown && src.Filesize() != filesize {
			src.SetValid(false)
			d.log.Add(SeverityWarning, "download", fmt.Sprintf("source %s reports a different filesize, marking invalid", src.OriginalURL()))
			continue
		}
		validCount++

		if src.CeilingHit() {
			ceilingHit++
			continue
		}

		decision := src.IsRetryAllowed()
		if !decision.Allowed {
			exhausted++
			continue
		}

		src.IncRunningSlots()
		d.lastUsedSource = idx
		picked, pickedWait = src, decision.WaitUntil
		break
	}

	shouldFail := picked == nil && (validCount == 0 || (ceilingHit == 0 && exhausted == validCount))
	d.sourcesMu.Unlock()

	if picked != nil {
		return picked, pickedWait
	}
	if shouldFail {
		d.log.Add(SeverityError, "download", "No valid source found")
		d.setErr(ErrNoSource)
		d.requestState(StateFailed)
	}
	return nil, time.Time{}
}

// maxSlotsServer sums the frozen parallelism ceilings of sources that
// have determined one. Unknown means no source has determined a ceiling
// yet, i.e. treat the server-side cap as unbounded.
func (d *Download) maxSlotsServer() int64 {
	d.sourcesMu.Lock()
	defer d.sourcesMu.Unlock()
	var sum int64
	any := false
	for _, s := range d.sources {
		if !s.Valid() {
			continue
		}
		if s.MaxSlotsDetermined() {
			sum += int64(s.MaxActiveSlots())
			any = true
		}
	}
	if !any {
		return Unknown
	}
	return sum
}

func (d *Download) unfinishedChunksCount() int {
	slotsSupported := d.SlotsSupported()
	d.chunksMu.Lock()
	defer d.chunksMu.Unlock()
	n := 0
	for _, c := range d.chunks {
		if !c.IsFinished(slotsSupported) {
			n++
		}
	}
	return n
}

// FixChunk resolves overlap between chunk and a possibly-overshot root,
// tolerating loaded > length on the root under non-slot mode.
func (d *Download) FixChunk(c *Chunk) *Chunk {
	d.chunksMu.Lock()
	root := d.root
	d.chunksMu.Unlock()

	if root == nil || c.Parent() != root {
		return c
	}

	rootLoaded := root.Loaded()
	offset := c.Offset()
	length := c.Length()

	overlap := rootLoaded - offset
	if overlap > length {
		overlap = length
	}
	if overlap <= 0 {
		return c
	}

	root.growLength(offset + overlap)
	c.adjustOffset(overlap)
	return c
}

// splitForNewSlot halves the largest eligible unfinished chunk's
// remaining bytes, enqueuing the back half as a new child so an idle
// slot has work. Returns nil if nothing qualified.
func (d *Download) splitForNewSlot() *Chunk {
	maxSlotsServer := d.maxSlotsServer()
	slotsSupported := d.SlotsSupported()
	maxSlot := d.MaxSlot()
	chunkSize := d.ChunkSize()

	d.chunksMu.Lock()
	defer d.chunksMu.Unlock()

	unfinished := 0
	for _, c := range d.chunks {
		if !c.IsFinished(slotsSupported) {
			unfinished++
		}
	}
	if unfinished >= maxSlot {
		return nil
	}
	if maxSlotsServer != Unknown && int64(unfinished) >= maxSlotsServer {
		return nil
	}

	var best *Chunk
	var bestLeft int64
	for _, c := range d.chunks {
		left, ok := c.unfinishedBytesLeft(slotsSupported)
		if !ok || left < chunkSize {
			continue
		}
		if best == nil || left >= bestLeft {
			best, bestLeft = c, left
		}
	}
	if best == nil {
		return nil
	}

	half := bestLeft / 2
	if half <= 0 {
		return nil
	}

	end := best.End(slotsSupported)
	best.shrinkBytesLeft(slotsSupported, half)

	child := NewChunk(best, end-half, half)
	d.chunks = append(d.chunks, child)

	select {
	case d.pending <- child:
	default:
		d.log.Add(SeverityWarning, "download", "pending chunk queue full, dropping split")
	}
	return child
}

func (d *Download) newRun() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	d.runMu.Lock()
	d.runCancel = cancel
	d.runMu.Unlock()
	return ctx
}

func (d *Download) stopRun() {
	d.runMu.Lock()
	if d.runCancel != nil {
		d.runCancel()
		d.runCancel = nil
	}
	d.runMu.Unlock()
}

// dequeueChunk waits up to 200ms for a pending chunk, rechecking ctx on
// every wake. The middle return distinguishes a plain timeout (caller
// should re-check loading state and retry) from cancellation.
func (d *Download) dequeueChunk(ctx context.Context) (chunk *Chunk, active bool) {
	timer := time.NewTimer(200 * time.Millisecond)
	defer timer.Stop()
	select {
	case c := <-d.pending:
		return c, true
	case <-timer.C:
		return nil, true
	case <-ctx.Done():
		return nil, false
	}
}

func (d *Download) drainPending() {
	for {
		select {
		case <-d.pending:
		default:
			return
		}
	}
}

// sleepUntil blocks until waitUntil or ctx cancellation, returning false
// in the latter case. A zero waitUntil returns immediately.
func sleepUntil(ctx context.Context, waitUntil time.Time) bool {
	if waitUntil.IsZero() {
		return true
	}
	timer := time.NewTimer(time.Until(waitUntil))
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Start admits a ready download: if metadata has not been probed yet it
// spawns an InfoSlot, otherwise it resumes straight into loading.
func (d *Download) Start() bool {
	if len(d.GetCopyOfSources()) == 0 {
		return false
	}
	if !d.InfosFetched() {
		return d.startFetchingInfo()
	}
	return d.resume(nil)
}

func (d *Download) startFetchingInfo() bool {
	if !d.requestState(StateFetchingInfo) {
		return false
	}
	ctx := d.newRun()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		newInfoSlot(d).run(ctx)
	}()
	return true
}

// onInfoFetched is the InfoSlot success callback.
func (d *Download) onInfoFetched(src *Source, filename string, filesize int64) {
	d.infosFetchedMu.Lock()
	d.infosFetched = true
	d.infosFetchedMu.Unlock()

	if filename != "" {
		d.setFilename(d.disambiguateFilename(filename, true))
	}
	if filesize != Unknown {
		d.setFilesize(filesize)
	}

	d.resume(src)
}

// onInfoFailed is the InfoSlot failure callback.
func (d *Download) onInfoFailed() {
	d.log.Add(SeverityError, "infoslot", "No valid source found")
	d.setErr(ErrNoSource)
	d.requestState(StateFailed)
}

// resume transitions into loading and spawns data slots. primarySrc
// non-nil means the fresh-start path: a root chunk is created and handed
// to the first slot along with the InfoSlot's already-resolved source.
// primarySrc nil means resuming from existing chunk state.
func (d *Download) resume(primarySrc *Source) bool {
	if !d.requestState(StateLoading) {
		return false
	}

	fresh := primarySrc != nil
	if !fresh {
		if _, err := os.Stat(d.tempPath()); err != nil {
			d.log.Add(SeverityError, "download", "resume requested but the temp file is missing")
			d.requestState(StateFailed)
			return false
		}
		d.setSlotsSupported(true)
	}

	tf, err := OpenTargetFile(d.tempPath())
	if err != nil {
		d.log.Add(SeverityError, "download", err.Error())
		d.requestState(StateFailed)
		return false
	}
	d.targetFileMu.Lock()
	d.targetFile = tf
	d.targetFileMu.Unlock()

	var firstChunk *Chunk
	var firstConn *Connection

	if fresh {
		root := NewChunk(nil, 0, d.Filesize())
		d.chunksMu.Lock()
		d.chunks = []*Chunk{root}
		d.root = root
		d.chunksMu.Unlock()
		firstChunk = root
		primarySrc.IncRunningSlots()
		firstConn = NewConnection(d.fetcher, primarySrc)
	} else {
		slotsSupported := d.SlotsSupported()
		d.chunksMu.Lock()
		pending := make([]*Chunk, 0, len(d.chunks))
		for _, c := range d.chunks {
			if !c.IsFinished(slotsSupported) {
				pending = append(pending, c)
			}
		}
		d.chunksMu.Unlock()
		for _, c := range pending {
			d.pending <- c
		}
	}

	slotCount := d.MaxSlot()
	if d.Filesize() == Unknown {
		slotCount = 1
	}
	if slotCount < 1 {
		slotCount = 1
	}

	ctx := d.newRun()
	for i := 0; i < slotCount; i++ {
		var pc *Chunk
		var conn *Connection
		if i == 0 {
			pc, conn = firstChunk, firstConn
		}
		d.wg.Add(1)
		go func(pc *Chunk, conn *Connection) {
			defer d.wg.Done()
			newDataSlot(d).run(ctx, pc, conn)
		}(pc, conn)
	}
	return true
}

// onChunkStarted fires on a chunk's first received byte. Any non-root
// chunk starting promotes slots_supported permanently; any chunk
// starting is an opportunity to split more work free.
func (d *Download) onChunkStarted(c *Chunk) {
	d.chunksMu.Lock()
	isRoot := c == d.root
	d.chunksMu.Unlock()

	if !isRoot {
		d.setSlotsSupported(true)
	}
	d.splitForNewSlot()
}

// onChunkFinished is the success callback a DataSlot reports.
func (d *Download) onChunkFinished(c *Chunk, src *Source, dataReceived bool) {
	if src != nil {
		src.DecRunningSlots()
		if dataReceived {
			src.DecActiveSlots()
		}
	}
	d.wakeSourceWaiters()

	if d.unfinishedChunksCount() == 0 || d.Filesize() == Unknown {
		d.finish()
		return
	}
	d.splitForNewSlot()
}

// onChunkFailed is the failure callback a DataSlot reports. ioerror
// escalates to a fatal download failure; otherwise the chunk simply goes
// back on the pending queue for another slot to pick up.
func (d *Download) onChunkFailed(c *Chunk, src *Source, ioerror bool) {
	if src != nil {
		src.DecRunningSlots()
	}
	if ioerror {
		d.requestState(StateFailed)
	}
	d.pending <- c
	d.wakeSourceWaiters()
}

// disambiguateFilename appends " (n)" with the smallest n that frees both
// the final name and, when checkTemp is set, the in-progress ".dl" name.
func (d *Download) disambiguateFilename(name string, checkTemp bool) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for n := 0; ; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}
		finalPath := filepath.Join(d.targetFolder, candidate)
		_, finalErr := os.Stat(finalPath)
		if !os.IsNotExist(finalErr) {
			continue
		}
		if checkTemp {
			_, tempErr := os.Stat(finalPath + ".dl")
			if !os.IsNotExist(tempErr) {
				continue
			}
		}
		return candidate
	}
}

// finish renames the temp file to its final name and requests the
// finished state. A rename failure is logged but does not fail the
// download; the temp file is left in place.
func (d *Download) finish() {
	finalName := d.disambiguateFilename(d.Filename(), false)
	d.setFilename(finalName)

	d.targetFileMu.Lock()
	tf := d.targetFile
	d.targetFileMu.Unlock()

	if tf != nil {
		finalPath := filepath.Join(d.targetFolder, finalName)
		if err := tf.Rename(finalPath); err != nil {
			d.log.Add(SeverityWarning, "download", fmt.Sprintf("rename failed, keeping temp file: %v", err))
		}
	}

	d.requestState(StateFinished)
}

// Ready requests a return to the ready state, from which the Manager may
// start the download again.
func (d *Download) Ready() bool { return d.requestState(StateReady) }

// Pause requests a graceful stop that preserves the temp file.
func (d *Download) Pause() bool { return d.requestState(StatePaused) }

// Cancel requests a stop that deletes the temp file and chunk table.
func (d *Download) Cancel() bool { return d.requestState(StateCancelled) }

// Fail requests the failed state, recording reason in the log if given.
func (d *Download) Fail(reason string) bool {
	if reason != "" {
		d.log.Add(SeverityError, "download", reason)
	}
	return d.requestState(StateFailed)
}

// requestState is the non-blocking-try-acquire state lock: a request
// arriving while a transition is already in flight is dropped rather than
// queued. Requests into paused/cancelled/failed/finished are mediated by
// an intermediate stopping state during which no further transitions are
// accepted until background cleanup completes.
func (d *Download) requestState(target State) bool {
	if !d.transitionMu.TryLock() {
		return false
	}

	from := d.State()
	if !isValidTransition(from, target) {
		d.transitionMu.Unlock()
		return false
	}

	switch target {
	case StatePaused, StateCancelled, StateFailed, StateFinished:
		d.setStateRaw(StateStopping)
		d.stopRun()
		d.wakeSourceWaiters()
		go d.finishTransition(target)
	default:
		d.setStateRaw(target)
		d.transitionMu.Unlock()
		d.wakeSourceWaiters()
		d.StatusChanged.Fire(target)
	}
	return true
}

func (d *Download) finishTransition(target State) {
	defer d.transitionMu.Unlock()

	d.wg.Wait()

	d.targetFileMu.Lock()
	tf := d.targetFile
	d.targetFileMu.Unlock()

	if target != StateFinished && tf != nil {
		tf.Close()
	}

	d.drainPending()

	if target == StateCancelled {
		d.chunksMu.Lock()
		d.chunks = nil
		d.root = nil
		d.chunksMu.Unlock()

		if tf != nil {
			os.Remove(tf.Path())
		}
	}

	d.setStateRaw(target)
	d.wakeSourceWaiters()
	d.StatusChanged.Fire(target)
}
