package config

import (
	"context"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "buildsched/pkg/logx"
)

// FileWatcher reports changes below a set of files and directories.
//
// Files are watched through their parent directory so editors that replace
// the file (rename over) keep being tracked. Directories are watched
// recursively; hidden directories are skipped.
type FileWatcher struct {
	Paths    []string
	Ignore   []string
	Debounce time.Duration
	Log      logx.Logger

	// OnChange receives the sorted set of changed paths after the debounce
	// window. It runs on the watcher goroutine; events arriving meanwhile
	// are coalesced into the next call.
	OnChange func(ctx context.Context, changed []string)
}

type watchTargets struct {
	files map[string]struct{}
	roots []string
	dirs  []string
}

func (w *FileWatcher) targets() watchTargets {
	t := watchTargets{files: map[string]struct{}{}}
	seen := map[string]struct{}{}
	addDir := func(d string) {
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			t.dirs = append(t.dirs, d)
		}
	}
	for _, p := range w.Paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		fi, err := os.Stat(abs)
		if err == nil && fi.IsDir() {
			t.roots = append(t.roots, abs)
			_ = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
				if err != nil || !d.IsDir() {
					return nil
				}
				if path != abs && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				addDir(path)
				return nil
			})
			continue
		}
		t.files[abs] = struct{}{}
		addDir(filepath.Dir(abs))
	}
	return t
}

func (w *FileWatcher) ignored(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return true
	}
	for _, g := range w.Ignore {
		if ok, _ := filepath.Match(g, base); ok {
			return true
		}
	}
	return false
}

func (t watchTargets) match(name string) bool {
	if _, ok := t.files[name]; ok {
		return true
	}
	for _, r := range t.roots {
		if strings.HasPrefix(name, r+string(filepath.Separator)) {
			rel := strings.TrimPrefix(name, r+string(filepath.Separator))
			for _, part := range strings.Split(filepath.Dir(rel), string(filepath.Separator)) {
				if strings.HasPrefix(part, ".") && part != "." {
					return false
				}
			}
			return true
		}
	}
	return false
}

// Run watches until ctx is done. A broken watcher is recreated with a small
// exponential backoff.
func (w *FileWatcher) Run(ctx context.Context) error {
	log := w.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	// When fsnotify gets into a bad state (common on Windows + certain editors),
	// the watcher may stop delivering events or close its channels.
	// Self-heal by recreating the watcher with a small exponential backoff.
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	// local RNG to avoid global contention.
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return wait
	}
	sleep := func(d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	changed := map[string]struct{}{}
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	schedule := func(name string) {
		changed[name] = struct{}{}
		if timer == nil {
			timer = time.NewTimer(debounce)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounce)
		}
		fire = timer.C
		log.Debug("change detected; scheduling", logx.String("path", name))
	}
	flush := func() {
		fire = nil
		if len(changed) == 0 || w.OnChange == nil {
			return
		}
		list := make([]string, 0, len(changed))
		for k := range changed {
			list = append(list, k)
		}
		sort.Strings(list)
		changed = map[string]struct{}{}
		w.OnChange(ctx, list)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err != nil {
			log.Warn("watch init failed", logx.Err(err))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}

		t := w.targets()
		added := 0
		for _, d := range t.dirs {
			if err := fw.Add(d); err != nil {
				log.Warn("watch add failed", logx.Err(err), logx.String("dir", d))
				continue
			}
			added++
		}
		if added == 0 {
			_ = fw.Close()
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}

		// success; reset backoff so transient issues don't cause long restart delays
		backoff = restartBackoffBase
		log.Debug("watcher started", logx.Int("dirs", added), logx.Int("files", len(t.files)))

		// inner loop: runs until watcher breaks, then outer loop recreates it.
		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case <-fire:
				flush()
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				name := filepath.Clean(ev.Name)
				if !t.match(name) {
					continue
				}
				if _, explicit := t.files[name]; !explicit && w.ignored(name) {
					continue
				}
				if ev.Op.Has(fsnotify.Create) {
					if fi, err := os.Stat(name); err == nil && fi.IsDir() {
						_ = fw.Add(name)
						t.dirs = append(t.dirs, name)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					schedule(name)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means we may have missed events; report every target once.
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					log.Warn("watch overflow; forcing change", logx.Err(err))
					for f := range t.files {
						schedule(f)
					}
					for _, r := range t.roots {
						schedule(r)
					}
					continue
				}
				log.Warn("watch error", logx.Err(err))
				// Some fsnotify backends surface watcher closure via an error.
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}

		_ = fw.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := nextWait()
		log.Warn("watcher stopped; restarting", logx.Duration("backoff", wait))
		if !sleep(wait) {
			return nil
		}
	}
}
