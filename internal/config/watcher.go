package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tg_forwarder/internal/logger"
)

// DefaultWatchDebounce 编辑器保存时常产生多次事件，合并为一次通知
const DefaultWatchDebounce = time.Second

// Watcher 监听配置文件变化
// 变化经过去抖后调用 notify，由调用方决定如何重新加载
type Watcher struct {
	paths    []string
	debounce time.Duration
	notify   func(path string)

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewWatcher 创建配置文件监听器
func NewWatcher(paths []string, debounce time.Duration, notify func(path string)) *Watcher {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	clean := make([]string, 0, len(paths))
	for _, p := range paths {
		if p != "" {
			clean = append(clean, p)
		}
	}
	return &Watcher{paths: clean, debounce: debounce, notify: notify}
}

// Run 阻塞运行直到 ctx 取消
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.paths) == 0 {
		<-ctx.Done()
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer fw.Close()

	// 监听目录而不是文件本身，编辑器的原子替换会删除旧 inode
	files := make(map[string]string, len(w.paths))
	dirs := make(map[string]struct{})
	for _, p := range w.paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		files[strings.ToLower(filepath.Base(abs))] = p
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	logger.L().Infof("Config watcher started: files=%v", w.paths)

	for {
		select {
		case <-ctx.Done():
			w.stopTimer()
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			path, watched := files[strings.ToLower(filepath.Base(ev.Name))]
			if !watched {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule(path)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.L().Warnf("Config watcher error: %v", err)
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	logger.L().Debugf("Config change detected, scheduling reload: path=%s", path)
	w.timer = time.AfterFunc(w.debounce, func() { w.notify(path) })
}

func (w *Watcher) stopTimer() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
