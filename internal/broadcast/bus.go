// Package broadcast coordinates concurrent app instances that share one
// data directory. Instances exchange events through an append-only JSONL
// journal; each instance watches the journal and replays lines appended by
// the others, so a sign-out or sync in one window is reflected everywhere.
package broadcast

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Event kinds carried over the journal.
const (
	KindSignedIn    = "signed_in"
	KindSignedOut   = "signed_out"
	KindRevoked     = "revoked"
	KindDataChanged = "data_changed"
)

// Event is one journal line. Origin identifies the publishing instance so
// consumers can ignore their own events.
type Event struct {
	Origin  uuid.UUID       `json:"origin"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// Bus publishes to and consumes from a shared journal file. A Bus that
// failed to start its watcher still publishes; it just never sees events
// from other instances.
type Bus struct {
	path   string
	origin uuid.UUID
	logger *zap.Logger

	mu     sync.Mutex
	offset int64
	subs   []func(Event)

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a bus over the journal at path. Events already in the journal
// are not replayed: consumption starts at the current end of file.
func New(path string, logger *zap.Logger) (*Bus, error) {
	origin, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("generate origin id: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	var offset int64
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}

	return &Bus{
		path:   path,
		origin: origin,
		logger: logger,
		offset: offset,
		done:   make(chan struct{}),
	}, nil
}

// Origin returns this instance's identifier.
func (b *Bus) Origin() uuid.UUID { return b.origin }

// Subscribe registers a callback for events appended by other instances.
func (b *Bus) Subscribe(cb func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, cb)
}

// Publish appends an event to the journal. Other running instances pick it
// up through their watchers.
func (b *Bus) Publish(kind string, payload any) error {
	ev := Event{Origin: b.origin, Kind: kind, At: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		ev.Payload = raw
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// Start begins watching the journal for appends from other instances.
// Watcher failures degrade to local-only operation instead of failing the
// app: events still publish, they just are not received here.
func (b *Bus) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		b.logger.Warn("journal watcher unavailable, cross-instance events disabled", zap.Error(err))
		return
	}
	if err := watcher.Add(filepath.Dir(b.path)); err != nil {
		b.logger.Warn("cannot watch journal dir, cross-instance events disabled",
			zap.String("dir", filepath.Dir(b.path)), zap.Error(err))
		watcher.Close()
		return
	}

	b.watcher = watcher
	b.wg.Add(1)
	go b.loop()
}

// Stop halts the watcher and waits for the event loop to drain. Idempotent.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		if b.watcher != nil {
			b.watcher.Close()
		}
	})
	b.wg.Wait()
}

func (b *Bus) loop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Name != b.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				b.drain()
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn("journal watcher error", zap.Error(err))
		}
	}
}

// drain reads journal lines appended since the last consumed offset and
// dispatches foreign-origin events to subscribers.
func (b *Bus) drain() {
	b.mu.Lock()
	offset := b.offset
	subs := make([]func(Event), len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	f, err := os.Open(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.Warn("open journal for read", zap.Error(err))
		}
		return
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		b.logger.Warn("seek journal", zap.Error(err))
		return
	}

	buf, err := io.ReadAll(f)
	if err != nil {
		b.logger.Warn("read journal", zap.Error(err))
		return
	}

	// consume only newline-terminated lines; a partial tail is another
	// instance mid-append and stays for the next drain
	var consumed int64
	var events []Event
	for {
		nl := bytes.IndexByte(buf, '\n')
		if nl < 0 {
			break
		}
		line := buf[:nl]
		buf = buf[nl+1:]
		consumed += int64(nl) + 1

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			b.logger.Warn("skip malformed journal line", zap.Error(err))
			continue
		}
		if ev.Origin == b.origin {
			continue
		}
		events = append(events, ev)
	}

	b.mu.Lock()
	if b.offset < offset+consumed {
		b.offset = offset + consumed
	}
	b.mu.Unlock()

	for _, ev := range events {
		for _, cb := range subs {
			cb(ev)
		}
	}
}
