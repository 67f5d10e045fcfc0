package durablestore

import (
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/golemrt/durable/internal/oplog"
)

// GrowthWatcher lets a tail subscriber (internal/debugapi's WebSocket
// tail endpoint) block until a worker's oplog has grown, instead of
// polling the store. It combines an fsnotify watch on the SQLite WAL
// file (coarse: fires on any writer's commit and wakes every waiter)
// with per-worker listener lists, so an in-process Append only wakes
// the waiters of the worker it wrote to.
type GrowthWatcher struct {
	log *slog.Logger

	mu        sync.Mutex
	listeners map[oplog.WorkerID][]chan struct{}

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewGrowthWatcher starts watching walPath (typically "<dsn>-wal") for
// write activity. Callers must call Close when done.
func NewGrowthWatcher(walPath string, log *slog.Logger) (*GrowthWatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(walPath); err != nil {
		w.Close()
		return nil, err
	}

	gw := &GrowthWatcher{
		log:       log,
		listeners: make(map[oplog.WorkerID][]chan struct{}),
		watcher:   w,
		done:      make(chan struct{}),
	}
	go gw.run()
	return gw, nil
}

func (gw *GrowthWatcher) run() {
	for {
		select {
		case event, ok := <-gw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				gw.broadcastAll()
			}
		case err, ok := <-gw.watcher.Errors:
			if !ok {
				return
			}
			gw.log.Warn("growth watcher error", "error", err)
		case <-gw.done:
			return
		}
	}
}

// broadcastAll wakes every registered waiter. The WAL file watch can't
// distinguish which worker's rows changed, so a tail waiter always
// re-checks the store itself after waking — this is a liveness signal,
// not a guarantee that its specific worker grew.
func (gw *GrowthWatcher) broadcastAll() {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	for worker, chans := range gw.listeners {
		for _, ch := range chans {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
		_ = worker
	}
}

// notify is called by SQLiteStore.Append after a successful commit, so
// same-process waiters don't depend on the OS's WAL-file notification
// latency.
func (gw *GrowthWatcher) notify(worker oplog.WorkerID) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	for _, ch := range gw.listeners[worker] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Wait registers interest in worker's growth and returns a channel that
// receives a value (possibly spuriously) whenever the log may have
// grown. Callers must call the returned cancel func when done waiting.
func (gw *GrowthWatcher) Wait(worker oplog.WorkerID) (ch <-chan struct{}, cancel func()) {
	c := make(chan struct{}, 1)
	gw.mu.Lock()
	gw.listeners[worker] = append(gw.listeners[worker], c)
	gw.mu.Unlock()

	return c, func() {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		chans := gw.listeners[worker]
		for i, existing := range chans {
			if existing == c {
				gw.listeners[worker] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(gw.listeners[worker]) == 0 {
			delete(gw.listeners, worker)
		}
	}
}

// Close stops the underlying filesystem watch.
func (gw *GrowthWatcher) Close() error {
	close(gw.done)
	return gw.watcher.Close()
}
