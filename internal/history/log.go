package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/example/nats-chatroom/internal/message"
)

// ErrWriteFailed wraps durable-log I/O failures so callers can retry.
var ErrWriteFailed = errors.New("history: write failed")

// Log is the durable side of history: one append-only file per room under a
// base directory, one JSON record per line, in append order. Appends are
// synchronous; readers may scan a file concurrently with appends and observe
// a clean prefix, never a torn record, because records are written with a
// single buffered write ending in a newline.
type Log struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

func OpenLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir %s: %w", dir, err)
	}
	return &Log{dir: dir, files: make(map[string]*os.File)}, nil
}

func (l *Log) path(room string) string {
	return filepath.Join(l.dir, room+".log")
}

func (l *Log) file(room string) (*os.File, error) {
	if f, ok := l.files[room]; ok {
		return f, nil
	}
	f, err := os.OpenFile(l.path(room), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l.files[room] = f
	return f, nil
}

// Append writes one message as one record to its room's log. The write is
// flushed to the OS before returning so the consumer can acknowledge bus
// delivery afterwards.
func (l *Log) Append(room string, m message.Message) error {
	record, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrWriteFailed, err)
	}
	record = append(record, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.file(room)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrWriteFailed, room, err)
	}
	if _, err := f.Write(record); err != nil {
		// Drop the handle; the next append reopens the file.
		f.Close()
		delete(l.files, room)
		return fmt.Errorf("%w: append %s: %v", ErrWriteFailed, room, err)
	}
	return nil
}

// ReadPage returns up to limit messages from a room's log ending just before
// beforeSeq (or at the newest record when beforeSeq is 0). The page contents
// are ordered oldest-first. The file is scanned forward with a bounded
// window, so memory stays constant regardless of log size. The file is
// arrival-ordered and the bus is at-least-once, so a redelivered record can
// land anywhere after its original; any record at or below the highest
// sequence already included is dropped.
func (l *Log) ReadPage(room string, limit int, beforeSeq uint64) ([]message.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	f, err := os.Open(l.path(room))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log for %s: %w", room, err)
	}
	defer f.Close()

	window := make([]message.Message, 0, limit)
	var maxSeq uint64
	haveAny := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m message.Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			// A torn trailing record from a crashed writer; skip it.
			continue
		}
		if beforeSeq > 0 && m.Sequence >= beforeSeq {
			continue
		}
		if haveAny && m.Sequence <= maxSeq {
			continue // redelivered record, already included
		}
		maxSeq, haveAny = m.Sequence, true
		if len(window) == limit {
			copy(window, window[1:])
			window = window[:limit-1]
		}
		window = append(window, m)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("scan log for %s: %w", room, err)
	}
	return window, nil
}

// LastSequence returns the highest sequence number recorded in a room's log,
// or 0 when the room has no durable history. A redelivered old record at the
// tail does not lower the result. Used to seed a bridge's counter after
// restart.
func (l *Log) LastSequence(room string) (uint64, error) {
	page, err := l.ReadPage(room, 1, 0)
	if err != nil {
		return 0, err
	}
	if len(page) == 0 {
		return 0, nil
	}
	return page[0].Sequence, nil
}

// Close releases all open file handles.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for room, f := range l.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(l.files, room)
	}
	return errors.Join(errs...)
}
