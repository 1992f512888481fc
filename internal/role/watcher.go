package role

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates the marker was created.
	OpCreate EventOp = iota
	// OpModify indicates the marker was rewritten.
	OpModify
	// OpDelete indicates the marker was removed or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// MarkerEvent is a change to the watched marker file.
type MarkerEvent struct {
	Path string
	Op   EventOp
}

// MarkerWatcher watches one file through its parent directory, so the
// file may be created and removed while watched.
type MarkerWatcher struct {
	watcher *fsnotify.Watcher
	events  chan MarkerEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	path    string
}

// NewMarkerWatcher creates a watcher. Start must be called before it
// emits events.
func NewMarkerWatcher() (*MarkerWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &MarkerWatcher{
		watcher: watcher,
		events:  make(chan MarkerEvent, 16),
		errors:  make(chan error, 4),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching path.
func (mw *MarkerWatcher) Start(path string) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	if mw.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	mw.path = abs

	dir := filepath.Dir(abs)
	if err := mw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	mw.running = true
	mw.wg.Add(1)
	go mw.processEvents()

	return nil
}

// Stop stops watching and blocks until the event goroutine exits. The
// event and error channels are closed.
func (mw *MarkerWatcher) Stop() error {
	mw.mu.Lock()
	if !mw.running {
		mw.mu.Unlock()
		return mw.watcher.Close()
	}
	mw.running = false
	mw.mu.Unlock()

	close(mw.done)

	// Closing the underlying watcher unblocks the event loop.
	if err := mw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	mw.wg.Wait()

	close(mw.events)
	close(mw.errors)

	return nil
}

// Events returns the channel of marker changes.
func (mw *MarkerWatcher) Events() <-chan MarkerEvent {
	return mw.events
}

// Errors returns the channel of watch errors.
func (mw *MarkerWatcher) Errors() <-chan error {
	return mw.errors
}

// IsRunning returns true if the watcher is currently running.
func (mw *MarkerWatcher) IsRunning() bool {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	return mw.running
}

func (mw *MarkerWatcher) processEvents() {
	defer mw.wg.Done()

	for {
		select {
		case <-mw.done:
			return

		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			if ev, ok := mw.convertEvent(event); ok {
				select {
				case mw.events <- ev:
				case <-mw.done:
					return
				}
			}

		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case mw.errors <- err:
			case <-mw.done:
				return
			}
		}
	}
}

// convertEvent keeps events for the marker itself and drops chmod and
// events for siblings such as the database and its WAL.
func (mw *MarkerWatcher) convertEvent(event fsnotify.Event) (MarkerEvent, bool) {
	abs, err := filepath.Abs(event.Name)
	if err != nil || abs != mw.path {
		return MarkerEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return MarkerEvent{}, false
	}

	return MarkerEvent{Path: abs, Op: op}, true
}
