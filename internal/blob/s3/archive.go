package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/atmx/option-broker/internal/model"
)

// BlobWriter is the upload surface the archive needs. *Writer implements it.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// EventSource pages through the event journal by sequence number.
type EventSource interface {
	Events(ctx context.Context, after uint64, limit int) ([]model.Event, error)
}

// exportPageSize bounds how many events one export reads per page.
const exportPageSize = 1000

// Archive stores broker events as objects. As a sink it writes one JSON
// object per event; Export writes a JSONL batch of the journal.
type Archive struct {
	w        BlobWriter
	partSize int64
}

// NewArchive creates an archive over w. partSize applies to exports.
func NewArchive(w BlobWriter, partSize int64) *Archive {
	return &Archive{w: w, partSize: partSize}
}

func eventPath(e model.Event) string {
	return fmt.Sprintf("events/%06d/%020d.json", e.Epoch, e.Seq)
}

func exportPath(from, to uint64) string {
	return fmt.Sprintf("journal/%020d-%020d.jsonl", from, to)
}

// Publish implements events.Sink.
func (a *Archive) Publish(ctx context.Context, e model.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("s3blob: encode event %d: %w", e.Seq, err)
	}
	return a.w.Put(ctx, eventPath(e), bytes.NewReader(data), "application/json")
}

// Export uploads every journaled event with seq > after as one JSONL object
// and returns the number of events and the last sequence written. Nothing
// is uploaded when there are no new events.
func (a *Archive) Export(ctx context.Context, src EventSource, after uint64) (int, uint64, error) {
	var (
		all  []model.Event
		last = after
	)
	for {
		page, err := src.Events(ctx, last, exportPageSize)
		if err != nil {
			return 0, after, fmt.Errorf("s3blob: read journal after %d: %w", last, err)
		}
		all = append(all, page...)
		if len(page) > 0 {
			last = page[len(page)-1].Seq
		}
		if len(page) < exportPageSize {
			break
		}
	}
	if len(all) == 0 {
		return 0, after, nil
	}

	buf, err := marshalJSONL(all)
	if err != nil {
		return 0, after, fmt.Errorf("s3blob: encode journal: %w", err)
	}
	path := exportPath(all[0].Seq, last)
	if err := a.w.PutMultipart(ctx, path, bytes.NewReader(buf), a.partSize); err != nil {
		return 0, after, err
	}
	return len(all), last, nil
}

func marshalJSONL(events []model.Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
