package event

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/d0labs/aof/internal/infra/filestore"
)

// Log is a file-backed, append-only event log. Events are stored as JSONL
// files, one per UTC day, under {dir}/events/{YYYY-MM-DD}.jsonl — the same
// shape the history store in the example pack uses per-session, adapted
// here to a single shared, time-partitioned stream.
type Log struct {
	dir string
	mu  sync.Mutex // serializes appends to the same day's file
}

// NewLog returns a Log rooted at dir. dir is created lazily on first Append.
func NewLog(dir string) *Log {
	return &Log{dir: dir}
}

// Append serializes ev and appends it as one JSONL line to the day's file
// matching ev.Timestamp (UTC). Safe for concurrent use.
func (l *Log) Append(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.ID == "" {
		return fmt.Errorf("event: append: missing id")
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("event: marshal: %w", err)
	}
	line = append(line, '\n')

	path := l.dayPath(ev.Timestamp)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := filestore.EnsureParentDir(path); err != nil {
		return fmt.Errorf("event: ensure dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("event: open: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("event: write: %w", err)
	}
	return nil
}

// Tail reads the event file for the given UTC day and calls fn for each
// event in append order, in the teacher's streaming style: no event list
// is held in memory at once. Returns nil if the day has no events yet.
func (l *Log) Tail(ctx context.Context, day time.Time, fn func(Event) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := l.dayPath(day)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("event: open: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue // skip a corrupt line rather than aborting the tail
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (l *Log) dayPath(ts time.Time) string {
	day := ts.UTC().Format("2006-01-02")
	return filepath.Join(l.dir, "events", day+".jsonl")
}
