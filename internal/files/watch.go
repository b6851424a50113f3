package files

import (
	"strings"

	"github.com/fsnotify/fsnotify"
)

// WatchOrphans watches parent for directory entries matching a leaked
// snapshot temp/old marker (".tmp-"/".old-") appearing *during* the
// sandbox's lifetime, complementing the one-shot snapshot.CleanOrphans
// sweep run at process start. onLeak is invoked with the full path of
// each newly observed orphan.
//
// The returned stop func closes the underlying watcher; it is always
// safe to call even if WatchOrphans returned an error alongside a nil
// stop func is never returned on success.
func WatchOrphans(parent string, onLeak func(path string)) (stop func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(parent); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Create) && isOrphanMarker(ev.Name) {
					onLeak(ev.Name)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return watcher.Close, nil
}

func isOrphanMarker(name string) bool {
	return strings.Contains(name, ".tmp-") || strings.Contains(name, ".old-")
}
