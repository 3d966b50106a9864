package ledger

import (
	"context"
)

// EventStream walks a batch's events in (OccurredAt, Sequence) order, one
// store page at a time. It is lazy: nothing is read until Next is called.
// Events appended while the stream is open are picked up by later pages.
//
//	stream, err := l.StreamFor(ctx, scope, id)
//	for stream.Next(ctx) {
//	    e := stream.Event()
//	}
//	if err := stream.Err(); err != nil { ... }
//
// A stream can be resumed later from Cursor() with StreamFrom.
type EventStream struct {
	reader   Reader
	org      OrgID
	batch    BatchID
	after    Cursor
	pageSize int

	page []BatchEvent
	pos  int
	cur  BatchEvent
	done bool
	err  error
}

type StreamOption func(*EventStream)

// StreamFrom starts the stream strictly after c.
func StreamFrom(c Cursor) StreamOption {
	return func(s *EventStream) { s.after = c }
}

// StreamPageSize overrides the ledger's page size for one stream.
func StreamPageSize(n int) StreamOption {
	return func(s *EventStream) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// StreamFor opens a stream over the batch's events. Archived batches can
// be streamed; unknown and cross-org batches fail with NotFoundError.
func (l *Ledger) StreamFor(ctx context.Context, scope Scope, id BatchID, opts ...StreamOption) (*EventStream, error) {
	if _, err := l.Batch(ctx, scope, id); err != nil {
		return nil, err
	}
	s := &EventStream{
		reader:   l.store,
		org:      scope.OrgID,
		batch:    id,
		pageSize: l.pageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Next advances to the next event. It returns false at the end of the
// stream or on error; check Err afterwards.
func (s *EventStream) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	if s.pos >= len(s.page) {
		if s.done {
			return false
		}
		if err := ctx.Err(); err != nil {
			s.err = err
			return false
		}
		page, err := s.reader.Events(ctx, s.org, s.batch, s.after, s.pageSize)
		if err != nil {
			s.err = err
			return false
		}
		s.page, s.pos = page, 0
		if len(page) < s.pageSize {
			s.done = true
		}
		if len(page) == 0 {
			return false
		}
	}
	s.cur = s.page[s.pos]
	s.pos++
	s.after = s.cur.Cursor()
	return true
}

func (s *EventStream) Event() BatchEvent { return s.cur }

// Cursor is the position after the last event returned by Next.
func (s *EventStream) Cursor() Cursor { return s.after }

func (s *EventStream) Err() error { return s.err }

// All drains the remainder of the stream.
func (s *EventStream) All(ctx context.Context) ([]BatchEvent, error) {
	var out []BatchEvent
	for s.Next(ctx) {
		out = append(out, s.Event())
	}
	return out, s.Err()
}
