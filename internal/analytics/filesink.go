package analytics

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"
)

// FileSink appends events as gzip-compressed NDJSON to a single archive file.
// The archive feeds offline reporting jobs; it is not read by the service.
//
// Writes are serialized by the emitter's single worker, but Close may race a
// late Write during shutdown, hence the mutex.
type FileSink struct {
	mu  sync.Mutex
	f   *os.File
	gz  *pgzip.Writer
	enc jx.Encoder
}

// NewFileSink opens (or creates) the archive file at path. Parent directories
// are created as needed.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create archive dir")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open archive file")
	}

	return &FileSink{f: f, gz: pgzip.NewWriter(f)}, nil
}

// Write encodes the event as one NDJSON line and appends it to the archive.
func (s *FileSink) Write(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gz == nil {
		return errors.New("sink closed")
	}

	s.enc.Reset()
	s.enc.Obj(func(enc *jx.Encoder) {
		enc.Field("type", func(enc *jx.Encoder) { enc.Str(e.Type) })
		enc.Field("order_id", func(enc *jx.Encoder) { enc.Str(e.OrderID) })
		enc.Field("customer_id", func(enc *jx.Encoder) { enc.Str(e.CustomerID) })
		enc.Field("amount", func(enc *jx.Encoder) { enc.Str(e.Amount.String()) })
		enc.Field("at", func(enc *jx.Encoder) { enc.Str(e.At.UTC().Format(time.RFC3339Nano)) })
	})

	if _, err := s.gz.Write(append(s.enc.Bytes(), '\n')); err != nil {
		return errors.Wrap(err, "write event")
	}
	return nil
}

// Close flushes the compressor and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gz == nil {
		return nil
	}
	gzErr := s.gz.Close()
	s.gz = nil

	if err := s.f.Close(); err != nil && gzErr == nil {
		gzErr = err
	}
	return gzErr
}

// compile-time interface checks
var (
	_ Sink      = (*FileSink)(nil)
	_ Sink      = (*LogSink)(nil)
	_ io.Closer = (*FileSink)(nil)
)
