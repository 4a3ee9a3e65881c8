package dlm

import "time"

// CookieFields is the on-disk shape of one cookie record.
type CookieFields struct {
	Version          int    `yaml:"version"`
	Name             string `yaml:"name"`
	Value            string `yaml:"value"`
	Port             string `yaml:"port"`
	PortSpecified    bool   `yaml:"port_specified"`
	Domain           string `yaml:"domain"`
	DomainSpecified  bool   `yaml:"domain_specified"`
	DomainInitialDot bool   `yaml:"domain_initial_dot"`
	Path             string `yaml:"path"`
	PathSpecified    bool   `yaml:"path_specified"`
	Secure           bool   `yaml:"secure"`
	Expires          int64  `yaml:"expires"`
	Discard          bool   `yaml:"discard"`
	Comment          string `yaml:"comment"`
	CommentURL       string `yaml:"comment_url"`
	RFC2109          bool   `yaml:"rfc2109"`
}

// ChunkRecord is the on-disk shape of one chunk, with its children nested
// recursively so the whole tree round-trips in one structure.
type ChunkRecord struct {
	Offset         int64         `yaml:"offset"`
	OriginalLength int64         `yaml:"original_length"`
	Length         int64         `yaml:"length"`
	Loaded         int64         `yaml:"loaded"`
	Children       []ChunkRecord `yaml:"children,omitempty"`
}

// SourceRecord is the on-disk shape of one source.
type SourceRecord struct {
	OriginalURL        string         `yaml:"original_url"`
	URL                string         `yaml:"url"`
	MaxRedirects       int            `yaml:"max_redirects"`
	MaxRetries         int            `yaml:"max_retries"`
	WaitTime           float64        `yaml:"wait_time"`
	Filename           string         `yaml:"filename"`
	Filesize           int64          `yaml:"filesize"`
	Retries            int            `yaml:"retries"`
	Timeout            float64        `yaml:"timeout"`
	UserAgent          string         `yaml:"user_agent"`
	Referrer           string         `yaml:"referrer"`
	Valid              bool           `yaml:"valid"`
	MaxActiveSlots     int            `yaml:"max_active_slots"`
	MaxSlotsDetermined bool           `yaml:"max_slots_determined"`
	CookieString       string         `yaml:"cookie_string"`
	Cookies            []CookieFields `yaml:"cookies,omitempty"`
}

// DownloadRecord is the full on-disk shape of one download, written and
// read back by Download.Snapshot and RestoreDownload.
type DownloadRecord struct {
	ChunkSize        int64        `yaml:"chunk_size"`
	MaxSlot          int          `yaml:"max_slot"`
	Filesize         int64        `yaml:"filesize"`
	InfosFetched     bool         `yaml:"infos_fetched"`
	SlotsSupported   bool         `yaml:"slots_supported"`
	LastUsedSource   int          `yaml:"last_used_source"`
	TargetFolder     string       `yaml:"target_folder"`
	Filename         string       `yaml:"filename"`
	OriginalFilename string       `yaml:"original_filename"`
	State            string       `yaml:"state"`
	Sources          []SourceRecord `yaml:"sources"`
	RootChunk        *ChunkRecord `yaml:"root_chunk,omitempty"`
}

func cookiesToRecords(cookies []CookieRecord) []CookieFields {
	if len(cookies) == 0 {
		return nil
	}
	out := make([]CookieFields, len(cookies))
	for i, c := range cookies {
		out[i] = CookieFields{
			Version:          c.Version,
			Name:             c.Name,
			Value:            c.Value,
			Port:             c.Port,
			PortSpecified:    c.PortSpecified,
			Domain:           c.Domain,
			DomainSpecified:  c.DomainSpecified,
			DomainInitialDot: c.DomainInitialDot,
			Path:             c.Path,
			PathSpecified:    c.PathSpecified,
			Secure:           c.Secure,
			Expires:          c.Expires,
			Discard:          c.Discard,
			Comment:          c.Comment,
			CommentURL:       c.CommentURL,
			RFC2109:          c.RFC2109,
		}
	}
	return out
}

func recordsToCookies(fields []CookieFields) []CookieRecord {
	if len(fields) == 0 {
		return nil
	}
	out := make([]CookieRecord, len(fields))
	for i, c := range fields {
		out[i] = CookieRecord{
			Version:          c.Version,
			Name:             c.Name,
			Value:            c.Value,
			Port:             c.Port,
			PortSpecified:    c.PortSpecified,
			Domain:           c.Domain,
			DomainSpecified:  c.DomainSpecified,
			DomainInitialDot: c.DomainInitialDot,
			Path:             c.Path,
			PathSpecified:    c.PathSpecified,
			Secure:           c.Secure,
			Expires:          c.Expires,
			Discard:          c.Discard,
			Comment:          c.Comment,
			CommentURL:       c.CommentURL,
			RFC2109:          c.RFC2109,
		}
	}
	return out
}

func sourceToRecord(s *Source) SourceRecord {
	return SourceRecord{
		OriginalURL:        s.OriginalURL(),
		URL:                s.URL(),
		MaxRedirects:       s.MaxRedirects(),
		MaxRetries:         s.MaxRetries(),
		WaitTime:           s.WaitTime().Seconds(),
		Filename:           s.Filename(),
		Filesize:           s.Filesize(),
		Retries:            s.Retries(),
		Timeout:            s.ConnectTimeout().Seconds(),
		UserAgent:          s.UserAgent(),
		Referrer:           s.Referrer(),
		Valid:              s.Valid(),
		MaxActiveSlots:     s.MaxActiveSlots(),
		MaxSlotsDetermined: s.MaxSlotsDetermined(),
		CookieString:       s.CookieString(),
		Cookies:            cookiesToRecords(s.Cookies()),
	}
}

func restoreSource(r SourceRecord) *Source {
	s := NewSource(r.OriginalURL)
	s.SetURL(r.URL)
	s.SetMaxRedirects(r.MaxRedirects)
	s.SetMaxRetries(r.MaxRetries)
	s.SetWaitTime(time.Duration(r.WaitTime * float64(time.Second)))
	s.SetFilename(r.Filename)
	s.SetFilesize(r.Filesize)
	s.SetConnectTimeout(time.Duration(r.Timeout * float64(time.Second)))
	s.SetUserAgent(r.UserAgent)
	s.SetReferrer(r.Referrer)
	s.SetValid(r.Valid)
	s.SetCookieString(r.CookieString)
	s.SetCookies(recordsToCookies(r.Cookies))

	// retries, max_active_slots and max_slots_determined are restored
	// directly against the live counters rather than through the public
	// setters, since they track internal bookkeeping with no exported
	// mutator of their own.
	s.retries = r.Retries
	s.slotMu.Lock()
	s.maxActiveSlots = r.MaxActiveSlots
	s.activeSlots = r.MaxActiveSlots
	s.maxSlotsDetermined = r.MaxSlotsDetermined
	s.slotMu.Unlock()

	return s
}

func chunkToRecord(c *Chunk) ChunkRecord {
	children := c.Children()
	rec := ChunkRecord{
		Offset:         c.Offset(),
		OriginalLength: c.OriginalLength(),
		Length:         c.Length(),
		Loaded:         c.Loaded(),
	}
	if len(children) > 0 {
		rec.Children = make([]ChunkRecord, len(children))
		for i, ch := range children {
			rec.Children[i] = chunkToRecord(ch)
		}
	}
	return rec
}

func restoreChunk(parent *Chunk, rec ChunkRecord, flat *[]*Chunk) *Chunk {
	c := NewChunk(parent, rec.Offset, rec.OriginalLength)
	c.length = rec.Length
	c.loaded = rec.Loaded
	*flat = append(*flat, c)
	for _, childRec := range rec.Children {
		restoreChunk(c, childRec, flat)
	}
	return c
}

// Snapshot captures the download's full state as a DownloadRecord, ready
// for yaml.Marshal.
func (d *Download) Snapshot() DownloadRecord {
	d.sourcesMu.Lock()
	sources := make([]SourceRecord, len(d.sources))
	for i, s := range d.sources {
		sources[i] = sourceToRecord(s)
	}
	lastUsed := d.lastUsedSource
	d.sourcesMu.Unlock()

	rec := DownloadRecord{
		ChunkSize:        d.ChunkSize(),
		MaxSlot:          d.MaxSlot(),
		Filesize:         d.Filesize(),
		InfosFetched:     d.InfosFetched(),
		SlotsSupported:   d.SlotsSupported(),
		LastUsedSource:   lastUsed,
		TargetFolder:     d.TargetFolder(),
		Filename:         d.Filename(),
		OriginalFilename: d.OriginalFilename(),
		State:            d.State().String(),
		Sources:          sources,
	}

	d.chunksMu.Lock()
	root := d.root
	d.chunksMu.Unlock()
	if root != nil {
		rc := chunkToRecord(root)
		rec.RootChunk = &rc
	}
	return rec
}

// parseState reverses State.String(). An unrecognized string restores to
// StateReady, the same as a record written by a future version with a
// state this build does not know about.
func parseState(s string) State {
	switch s {
	case "fetching_info":
		return StateFetchingInfo
	case "loading":
		return StateLoading
	case "paused":
		return StatePaused
	case "cancelled":
		return StateCancelled
	case "failed":
		return StateFailed
	case "finished":
		return StateFinished
	case "stopping":
		return StateStopping
	default:
		return StateReady
	}
}

// restoreState maps a persisted state onto one a freshly-constructed
// Download can actually be placed in. Terminal states (cancelled, failed,
// finished) and paused restore as recorded: nothing further happens to
// them without an explicit caller action. Loading, fetching_info and
// stopping were all snapshotted mid-transition with slots and an info
// probe that no longer exist after a restart; a download with chunk state
// already on disk resumes from paused, one with none yet falls back to
// ready so Start() takes the fresh-probe path.
func restoreState(rec DownloadRecord) State {
	switch parseState(rec.State) {
	case StateCancelled, StateFailed, StateFinished, StatePaused:
		return parseState(rec.State)
	case StateLoading, StateFetchingInfo, StateStopping:
		if rec.RootChunk != nil {
			return StatePaused
		}
		return StateReady
	default:
		return StateReady
	}
}

// RestoreDownload rebuilds a Download from a previously-snapshotted
// record, ready to be handed to a Manager and resumed. The persisted
// state is restored via restoreState rather than always left at the
// constructor's ready default, so a finished or cancelled download does
// not look ready to run again.
func RestoreDownload(id string, rec DownloadRecord, fetcher Fetcher) *Download {
	d := NewDownload(id, rec.TargetFolder, rec.Filename, fetcher)
	d.setFilename(rec.OriginalFilename)
	d.setFilename(rec.Filename)
	d.setFilesize(rec.Filesize)
	d.SetChunkSize(rec.ChunkSize)
	d.SetMaxSlot(rec.MaxSlot)
	d.setSlotsSupported(rec.SlotsSupported)
	d.infosFetchedMu.Lock()
	d.infosFetched = rec.InfosFetched
	d.infosFetchedMu.Unlock()

	d.sourcesMu.Lock()
	for _, sr := range rec.Sources {
		d.sources = append(d.sources, restoreSource(sr))
	}
	d.lastUsedSource = rec.LastUsedSource
	d.sourcesMu.Unlock()

	if rec.RootChunk != nil {
		var flat []*Chunk
		root := restoreChunk(nil, *rec.RootChunk, &flat)
		d.chunksMu.Lock()
		d.root = root
		d.chunks = flat
		d.chunksMu.Unlock()
	}

	d.setStateRaw(restoreState(rec))

	return d
}
