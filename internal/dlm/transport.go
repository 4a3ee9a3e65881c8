package dlm

import "context"

// Fetcher is the byte-range-capable transport the core consumes. It knows
// nothing about chunks splitting or sources retrying; it only knows how to
// probe one source for metadata and how to stream one chunk's bytes into
// the target file. internal/dlm/transport provides HTTP and FTP
// implementations.
type Fetcher interface {
	// FetchInfo opens src and reports the post-redirect URL, a filename
	// advertised by the transport (empty if none), and the total filesize
	// (Unknown if the transport can't report one).
	FetchInfo(ctx context.Context, src *Source) (realURL, filename string, filesize int64, err error)

	// FetchData streams chunk's remaining bytes from src into tf, starting
	// at chunk.Offset()+chunk.Loaded(), advancing chunk.AddLoaded as bytes
	// are written, and stopping when the chunk finishes, when dl leaves
	// the loading state, or at EOF. It returns ErrRangeNotSupported if a
	// nonzero start offset was requested but the transport answered
	// without indicating a partial range.
	FetchData(ctx context.Context, src *Source, chunk *Chunk, tf *TargetFile, dl *Download) error
}

// Connection is a handle to one Source through the download's Fetcher,
// reused across an info probe and the data slot that inherits it. Go's
// HTTP/FTP clients pool their own sockets, so what's reused here is really
// the already-resolved Source state (url, headers, cookies) rather than a
// literal open socket.
type Connection struct {
	fetcher Fetcher
	source  *Source
}

// NewConnection builds a Connection to source over fetcher.
func NewConnection(fetcher Fetcher, source *Source) *Connection {
	return &Connection{fetcher: fetcher, source: source}
}

// Source returns the connection's source.
func (c *Connection) Source() *Source { return c.source }

// FetchInfo probes the connection's source for metadata.
func (c *Connection) FetchInfo(ctx context.Context) (realURL, filename string, filesize int64, err error) {
	return c.fetcher.FetchInfo(ctx, c.source)
}

// FetchData streams chunk's bytes via the connection's source.
func (c *Connection) FetchData(ctx context.Context, chunk *Chunk, tf *TargetFile, dl *Download) error {
	return c.fetcher.FetchData(ctx, c.source, chunk, tf, dl)
}
