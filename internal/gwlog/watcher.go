package gwlog

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const subscriberBuffer = 64

func NewWatcher(path string) *Watcher {
	return &Watcher{
		Path: path,
		subs: map[int]*subscriber{},
	}
}

// Watcher follows a kernel log file and fans parsed gateway entries out to
// subscribers. A slow subscriber loses entries instead of blocking the
// watch loop.
type Watcher struct {
	Path string
	// Resolver, when set, names the endpoints of every published entry.
	Resolver *Resolver

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextId int

	offset  int64
	partial []byte
}

type subscriber struct {
	gw string
	ch chan Entry
}

// Subscribe registers a receiver for the entries of gw (all gateways when
// gw is empty). The returned func unsubscribes and closes the channel.
func (w *Watcher) Subscribe(gw string) (<-chan Entry, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.nextId
	w.nextId++
	sub := &subscriber{gw: gw, ch: make(chan Entry, subscriberBuffer)}
	w.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			delete(w.subs, id)
			close(sub.ch)
		})
	}
}

func (w *Watcher) publish(e Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subs {
		if !e.OnGateway(sub.gw) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Watch follows Path until ctx is done. Reading starts at the current end
// of the file; a file that is replaced or truncated is read from the start.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.Path)
	base := filepath.Base(w.Path)

	if err := fw.Add(dir); err != nil {
		return err
	}

	// 1. position at the end
	if st, err := os.Stat(w.Path); err == nil {
		w.offset = st.Size()
	}

	// 2. follow
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				w.offset = 0
				w.partial = nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := w.readAppended(); err != nil {
					log.Printf("[*] gwlog: read %s: %v", w.Path, err)
				}
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("[*] gwlog: watch %s: %v", w.Path, err)
		}
	}
}

// readAppended publishes every complete line written past the last offset.
func (w *Watcher) readAppended() error {
	f, err := os.Open(w.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	// truncated
	if st.Size() < w.offset {
		w.offset = 0
		w.partial = nil
	}
	if _, err := f.Seek(w.offset, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	w.offset += int64(len(data))

	data = append(w.partial, data...)
	cut := bytes.LastIndexByte(data, '\n')
	if cut < 0 {
		w.partial = data
		return nil
	}
	w.partial = append([]byte(nil), data[cut+1:]...)
	for _, e := range parseChunk(data[:cut], "") {
		if w.Resolver != nil {
			e = w.Resolver.Enrich(e)
		}
		w.publish(e)
	}
	return nil
}
