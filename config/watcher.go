package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher 监听配置文件，变更后交给 HotReloader
type Watcher struct {
	configPath  string
	watcher     *fsnotify.Watcher
	hotReloader *HotReloader
	mu          sync.Mutex
	isWatching  bool
	lastModTime time.Time
	diffChan    chan *ConfigDiff
	errorChan   chan error
}

// NewWatcher 创建配置监控器
func NewWatcher(configPath string, hotReloader *HotReloader) (*Watcher, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("解析配置路径失败: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	var lastModTime time.Time
	if info, err := os.Stat(abs); err == nil {
		lastModTime = info.ModTime()
	}

	return &Watcher{
		configPath:  abs,
		watcher:     fw,
		hotReloader: hotReloader,
		lastModTime: lastModTime,
		diffChan:    make(chan *ConfigDiff, 4),
		errorChan:   make(chan error, 10),
	}, nil
}

// Start 开始监控。监听目录而不是文件本身，编辑器的 rename 写法也能捕获
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isWatching {
		return fmt.Errorf("配置监控器已经在运行")
	}
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return fmt.Errorf("添加监控目录失败: %w", err)
	}
	w.isWatching = true
	go w.watchLoop(ctx)
	return nil
}

// Stop 停止监控
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.isWatching {
		return nil
	}
	w.isWatching = false
	return w.watcher.Close()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.configPath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				// 等写入完成
				time.Sleep(100 * time.Millisecond)
				w.handleChange()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.reportError(err)

		case <-ticker.C:
			// 备用：部分文件系统不发事件
			w.mu.Lock()
			last := w.lastModTime
			w.mu.Unlock()
			if info, err := os.Stat(w.configPath); err == nil && info.ModTime().After(last) {
				w.handleChange()
			}
		}
	}
}

func (w *Watcher) handleChange() {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Stat(w.configPath)
	if err != nil {
		w.reportError(fmt.Errorf("获取文件信息失败: %w", err))
		return
	}
	if !info.ModTime().After(w.lastModTime) {
		return
	}
	w.lastModTime = info.ModTime()

	newConfig, err := LoadConfig(w.configPath)
	if err != nil {
		w.reportError(fmt.Errorf("重新加载配置失败: %w", err))
		return
	}
	diff, err := w.hotReloader.UpdateConfig(newConfig)
	if err != nil {
		w.reportError(fmt.Errorf("配置热更新失败: %w", err))
		return
	}
	if len(diff.Changes) == 0 {
		return
	}
	select {
	case w.diffChan <- diff:
	default:
	}
}

func (w *Watcher) reportError(err error) {
	select {
	case w.errorChan <- err:
	default:
	}
}

// Diffs 每次生效的配置差异（包括需要重启才能生效的部分）
func (w *Watcher) Diffs() <-chan *ConfigDiff {
	return w.diffChan
}

// Errors 加载或应用失败的错误
func (w *Watcher) Errors() <-chan error {
	return w.errorChan
}
