package play

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"backplay/internal/logger"
)

// Watcher 监听 play 目录，文件变更后重新加载并回调。
// 用于开发模式下保存即校验，不参与回测运行本身。
type Watcher struct {
	dir      string
	onChange func(path string, p *Play, err error)
	debounce time.Duration
}

// NewWatcher 创建目录监听器。onChange 在每次加载尝试后调用（含失败）。
func NewWatcher(dir string, onChange func(path string, p *Play, err error)) *Watcher {
	return &Watcher{dir: dir, onChange: onChange, debounce: 200 * time.Millisecond}
}

// Run 阻塞运行直到 ctx 取消。
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return err
	}
	logger.Infof("[play] 监听目录 %s", w.dir)

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			ext := strings.ToLower(filepath.Ext(ev.Name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			pending[ev.Name] = time.Now()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("[play] watcher 错误: %v", err)
		case now := <-ticker.C:
			for path, at := range pending {
				if now.Sub(at) < w.debounce {
					continue
				}
				delete(pending, path)
				p, err := Load(path)
				if err != nil {
					logger.Warnf("[play] %s 校验失败: %v", filepath.Base(path), err)
				} else {
					logger.Infof("[play] %s 校验通过 (%s)", filepath.Base(path), p.Name)
				}
				if w.onChange != nil {
					w.onChange(path, p, err)
				}
			}
		}
	}
}
