package audit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"escrowd.org/internal/ids"
)

const defaultPageSize = 256

// ErrInvalidEntry is returned for entries missing required fields.
var ErrInvalidEntry = errors.New("audit: invalid entry")

// Logger is the single write path into the audit store and the reader of
// ordered audit trails.
type Logger struct {
	reader   Reader
	now      func() time.Time
	pageSize int
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithPageSize sets how many entries Query fetches per round trip.
func WithPageSize(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

// NewLogger constructs a Logger reading from r.
func NewLogger(r Reader, opts ...Option) *Logger {
	l := &Logger{
		reader:   r,
		now:      func() time.Time { return time.Now().UTC() },
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append validates e, stamps it and hands it to w. The entry becomes visible
// only when the unit of work behind w commits.
func (l *Logger) Append(ctx context.Context, w Appender, e Entry) (Entry, error) {
	if strings.TrimSpace(e.EscrowID) == "" {
		return Entry{}, fmt.Errorf("%w: escrow id required", ErrInvalidEntry)
	}
	if strings.TrimSpace(e.Action) == "" {
		return Entry{}, fmt.Errorf("%w: action required", ErrInvalidEntry)
	}
	if !e.ActorType.Valid() {
		return Entry{}, fmt.Errorf("%w: actor type %q", ErrInvalidEntry, e.ActorType)
	}
	e.ID = ids.New()
	e.Seq = 0
	e.Timestamp = l.now()
	if len(e.Details) > 0 {
		details := make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			details[k] = v
		}
		e.Details = details
	}
	return w.AppendAudit(ctx, e)
}

// Publish mirrors committed entries to the structured log.
func (l *Logger) Publish(ctx context.Context, entries ...Entry) {
	for _, e := range entries {
		fields := map[string]any{
			"escrow_id":  e.EscrowID,
			"actor":      e.Actor,
			"actor_type": string(e.ActorType),
		}
		if e.FromState != "" {
			fields["from_state"] = e.FromState
		}
		if e.ToState != "" {
			fields["to_state"] = e.ToState
		}
		for k, v := range e.Details {
			fields[k] = v
		}
		_ = LogEvent(ctx, e.Action, fields)
	}
}

// Query returns the escrow's audit trail in sequence order. The sequence is
// lazy and restartable: each range over it reads the store from the start.
func (l *Logger) Query(ctx context.Context, escrowID string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		var after uint64
		for {
			page, err := l.reader.ListAudit(ctx, escrowID, after, l.pageSize)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				after = e.Seq
			}
			if len(page) < l.pageSize {
				return
			}
		}
	}
}

// Collect drains Query into a slice.
func (l *Logger) Collect(ctx context.Context, escrowID string) ([]Entry, error) {
	var out []Entry
	for e, err := range l.Query(ctx, escrowID) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
