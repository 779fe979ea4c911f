package project

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads a project file when it changes on disk. Editors often write in
// several steps, so events are debounced and unchanged content is ignored.
type Watcher struct {
	Path     string
	Debounce time.Duration
	OnChange func(*Project)
	Log      zerolog.Logger
}

func (w *Watcher) Run(ctx context.Context) error {
	path, err := filepath.Abs(w.Path)
	if err != nil {
		return err
	}
	dir, file := filepath.Dir(path), filepath.Base(path)
	wait := w.Debounce
	if wait <= 0 {
		wait = 250 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(dir); err != nil {
		return err
	}

	last, _ := os.ReadFile(path)
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		b, err := os.ReadFile(path)
		if err != nil {
			w.Log.Warn().Err(err).Str("path", path).Msg("project read failed")
			return
		}
		mu.Lock()
		unchanged := bytes.Equal(b, last)
		last = b
		mu.Unlock()
		if unchanged {
			return
		}
		p, err := Load(path)
		if err != nil {
			w.Log.Warn().Err(err).Str("path", path).Msg("project parse failed, keeping current schedules")
			return
		}
		w.Log.Info().Str("path", path).Msg("project changed, reloading schedules")
		w.OnChange(p)
	}

	w.Log.Debug().Str("dir", dir).Str("file", file).Msg("project watcher started")
	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != file || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(wait, reload)
			mu.Unlock()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Log.Warn().Err(err).Str("dir", dir).Msg("project watch error")
		}
	}
}
