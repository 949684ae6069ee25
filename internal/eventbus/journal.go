package eventbus

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const journalDateLayout = "2006-01-02"

type journalEntry struct {
	*Event
	LoggedAt time.Time `json:"logged_at"`
}

// Journal appends every published event to a daily NDJSON file
// (events_YYYY-MM-DD.ndjson, UTC).
type Journal struct {
	bus *Bus
	dir string
	mu  sync.Mutex
	now func() time.Time
}

func NewJournal(bus *Bus, dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}
	return &Journal{bus: bus, dir: dir, now: time.Now}, nil
}

// Start blocks until ctx is cancelled.
func (j *Journal) Start(ctx context.Context) {
	subID, ch := j.bus.Subscribe(256)
	defer j.bus.Unsubscribe(subID)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := j.Append(ev); err != nil {
				slog.WarnContext(ctx, "failed to journal event", "event_id", ev.ID, "error", err)
			}
		}
	}
}

func (j *Journal) Append(ev *Event) error {
	data, err := json.Marshal(journalEntry{Event: ev, LoggedAt: j.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(journalPath(j.dir, ev.CreatedAt), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	return nil
}

func journalPath(dir string, at time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("events_%s.ndjson", at.UTC().Format(journalDateLayout)))
}

// JournalReader reads back the files written by a Journal.
type JournalReader struct {
	dir string
}

func NewJournalReader(dir string) *JournalReader {
	return &JournalReader{dir: dir}
}

// Read returns the events journaled on the given UTC day, optionally
// filtered by type. A day without a file yields no events. Corrupt lines are
// skipped.
func (r *JournalReader) Read(day time.Time, eventType EventType) ([]*Event, error) {
	f, err := os.Open(journalPath(r.dir, day))
	if errors.Is(err, os.ErrNotExist) {
		return []*Event{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	events := []*Event{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var entry journalEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil || entry.Event == nil {
			continue
		}
		if eventType != "" && entry.Type != eventType {
			continue
		}
		events = append(events, entry.Event)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return events, nil
}
