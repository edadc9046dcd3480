// Package watcher is the fsnotify-backed view engine: it watches a
// directory tree recursively, advances the tick counter as changes are
// observed, reports settle points once activity quiesces, and answers
// since-queries from its in-memory file index.
package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"vigil/internal/clock"
	"vigil/internal/logging"
	"vigil/internal/metrics"
	"vigil/internal/query"
)

const (
	defaultSettle     = 100 * time.Millisecond
	defaultMaxWatches = 4096
)

var (
	ErrLockTimeout        = errors.New("view lock acquisition timed out")
	ErrMaxWatchesExceeded = errors.New("max watches exceeded")
)

// Options controls view behavior.
type Options struct {
	Logger *logging.Logger

	// Settle is how long the tree must stay quiet before a settle point
	// is reported.
	Settle time.Duration

	// MaxWatches bounds the number of directories watched.
	MaxWatches int

	Registry *metrics.Registry
}

type fileState struct {
	exists      bool
	size        int64
	mtime       time.Time
	createdTick uint64
	changedTick uint64
}

// View is the engine for one root path.
type View struct {
	path       string
	rootNumber uint32
	logger     *logging.Logger
	registry   *metrics.Registry
	settle     time.Duration
	maxWatches int

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once

	// lock is the view lock; held while the index or tick mutates and
	// while a query scans. Timed acquisition backs the query lock
	// timeout.
	lock    chan struct{}
	ticks   uint64
	files   map[string]*fileState
	watched int

	settleMu    sync.Mutex
	settleTimer *time.Timer

	onSettle  atomic.Pointer[func(clock.Position)]
	onWarning atomic.Pointer[func(string)]
}

var nextRootNumber atomic.Uint32

// Open starts watching path recursively and performs the initial crawl.
func Open(path string, options Options) (*View, error) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absolute)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("watched root must be a directory")
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	settle := options.Settle
	if settle <= 0 {
		settle = defaultSettle
	}
	maxWatches := options.MaxWatches
	if maxWatches <= 0 {
		maxWatches = defaultMaxWatches
	}
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}

	view := &View{
		path:       absolute,
		rootNumber: nextRootNumber.Add(1),
		logger:     options.Logger,
		registry:   registry,
		settle:     settle,
		maxWatches: maxWatches,
		watcher:    fsWatcher,
		done:       make(chan struct{}),
		lock:       make(chan struct{}, 1),
		ticks:      1,
		files:      make(map[string]*fileState),
	}

	if err := view.crawl(absolute); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}

	go view.run()
	return view, nil
}

// Path returns the watched root path.
func (v *View) Path() string {
	if v == nil {
		return ""
	}
	return v.path
}

// OnSettle installs the settle callback, typically publishing into the
// root's settle feed.
func (v *View) OnSettle(fn func(clock.Position)) {
	if v == nil {
		return
	}
	v.onSettle.Store(&fn)
}

// OnWarning installs the warning sink, typically the root's AddWarning.
func (v *View) OnWarning(fn func(string)) {
	if v == nil {
		return
	}
	v.onWarning.Store(&fn)
}

// CurrentClockPosition returns the most recent root number and tick.
func (v *View) CurrentClockPosition() clock.Position {
	if v == nil {
		return clock.Position{}
	}
	v.acquire()
	defer v.release()
	return clock.Position{RootNumber: v.rootNumber, Ticks: v.ticks}
}

// ExecuteQuery scans the index for files changed after since. A since
// value from a different root number cannot be interpreted and the scan
// degrades to a fresh full result.
func (v *View) ExecuteQuery(q *query.Query, since clock.Spec, lockTimeout time.Duration) (*query.Result, error) {
	if v == nil {
		return nil, errors.New("view is closed")
	}
	if !v.acquireTimeout(lockTimeout) {
		return nil, ErrLockTimeout
	}
	defer v.release()

	position := clock.Position{RootNumber: v.rootNumber, Ticks: v.ticks}
	result := &query.Result{ClockAtStart: position, IsFreshInstance: true}

	sincePosition, ok := since.Position()
	if ok && sincePosition.RootNumber == v.rootNumber {
		result.IsFreshInstance = false
		for name, state := range v.files {
			if state.changedTick <= sincePosition.Ticks || !q.Matches(name) {
				continue
			}
			result.Files = append(result.Files, query.File{
				Name:    name,
				Exists:  state.exists,
				New:     state.createdTick > sincePosition.Ticks,
				Size:    state.size,
				ModTime: state.mtime,
			})
		}
		sortFiles(result.Files)
		return result, nil
	}

	for name, state := range v.files {
		if !state.exists || !q.Matches(name) {
			continue
		}
		result.Files = append(result.Files, query.File{
			Name:    name,
			Exists:  true,
			New:     true,
			Size:    state.size,
			ModTime: state.mtime,
		})
	}
	sortFiles(result.Files)
	return result, nil
}

// Close stops watching and releases fsnotify resources.
func (v *View) Close() error {
	if v == nil {
		return nil
	}
	var err error
	v.closeOnce.Do(func() {
		close(v.done)
		v.settleMu.Lock()
		if v.settleTimer != nil {
			v.settleTimer.Stop()
			v.settleTimer = nil
		}
		v.settleMu.Unlock()
		err = v.watcher.Close()
	})
	return err
}

func (v *View) run() {
	for {
		select {
		case event, ok := <-v.watcher.Events:
			if !ok {
				return
			}
			v.handleEvent(event)
		case err, ok := <-v.watcher.Errors:
			if !ok {
				return
			}
			v.handleError(err)
		case <-v.done:
			return
		}
	}
}

func (v *View) handleEvent(event fsnotify.Event) {
	name, ok := v.relativeName(event.Name)
	if !ok {
		return
	}
	v.registry.IncWatcherEvents()

	v.acquire()
	v.ticks++
	tick := v.ticks

	info, statErr := os.Stat(event.Name)
	switch {
	case statErr == nil && info.IsDir():
		// New directories need their own watches and a crawl for files
		// created before the watch was in place.
		delete(v.files, name)
		v.release()
		if event.Op.Has(fsnotify.Create) {
			if err := v.crawl(event.Name); err != nil {
				v.logWarn("failed to watch new directory", map[string]string{
					"path":  event.Name,
					"error": err.Error(),
				})
			}
		}
	case statErr == nil:
		entry := v.files[name]
		if entry == nil {
			entry = &fileState{createdTick: tick}
			v.files[name] = entry
		}
		entry.exists = true
		entry.size = info.Size()
		entry.mtime = info.ModTime()
		entry.changedTick = tick
		v.release()
	default:
		// Removed or renamed away.
		if entry := v.files[name]; entry != nil {
			entry.exists = false
			entry.size = 0
			entry.changedTick = tick
		}
		v.release()
	}

	v.scheduleSettle()
}

func (v *View) handleError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		v.warn("filesystem event overflow; some changes may be missed")
	}
	v.logWarn("watcher error", map[string]string{"error": err.Error()})
}

// crawl registers watches for dir and everything below it and indexes the
// files found, stamping them with the current tick.
func (v *View) crawl(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			if entry.Name() == ".git" {
				return filepath.SkipDir
			}
			return v.addWatch(path)
		}

		name, ok := v.relativeName(path)
		if !ok {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}

		v.acquire()
		state := v.files[name]
		if state == nil {
			state = &fileState{createdTick: v.ticks}
			v.files[name] = state
		}
		state.exists = true
		state.size = info.Size()
		state.mtime = info.ModTime()
		state.changedTick = v.ticks
		v.release()
		return nil
	})
}

func (v *View) addWatch(path string) error {
	v.acquire()
	if v.watched >= v.maxWatches {
		v.release()
		v.warn("max watches exceeded; deeper directories are not watched")
		return ErrMaxWatchesExceeded
	}
	v.watched++
	v.release()

	if err := v.watcher.Add(path); err != nil {
		v.acquire()
		v.watched--
		v.release()
		return err
	}
	return nil
}

func (v *View) scheduleSettle() {
	v.settleMu.Lock()
	defer v.settleMu.Unlock()
	if v.settleTimer == nil {
		v.settleTimer = time.AfterFunc(v.settle, v.fireSettle)
		return
	}
	v.settleTimer.Reset(v.settle)
}

func (v *View) fireSettle() {
	select {
	case <-v.done:
		return
	default:
	}
	fn := v.onSettle.Load()
	if fn == nil || *fn == nil {
		return
	}
	position := v.CurrentClockPosition()
	if v.logger != nil {
		v.logger.Debug("root settled", map[string]string{
			"root": v.path,
			"tick": strconv.FormatUint(position.Ticks, 10),
		})
	}
	(*fn)(position)
}

func (v *View) warn(message string) {
	fn := v.onWarning.Load()
	if fn != nil && *fn != nil {
		(*fn)(message)
	}
	v.logWarn(message, nil)
}

func (v *View) relativeName(path string) (string, bool) {
	relative, err := filepath.Rel(v.path, path)
	if err != nil || relative == "." || strings.HasPrefix(relative, "..") {
		return "", false
	}
	if relative == ".git" || strings.HasPrefix(relative, ".git"+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(relative), true
}

func (v *View) acquire() {
	v.lock <- struct{}{}
}

func (v *View) acquireTimeout(timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case v.lock <- struct{}{}:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v.lock <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (v *View) release() {
	<-v.lock
}

func (v *View) logWarn(message string, fields map[string]string) {
	if v == nil || v.logger == nil {
		return
	}
	v.logger.Warn(message, fields)
}
