package config

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the configuration whenever a file in dir (or the active
// environment's override directory) changes, and invokes onChange with the
// freshly merged result. Reload failures keep the previous config.
// Events are debounced so editors that write twice trigger one reload.
func Watch(ctx context.Context, dir, env string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	envDir := filepath.Join(dir, env)
	if info, err := os.Stat(envDir); err == nil && info.IsDir() {
		if err := watcher.Add(envDir); err != nil {
			log.Printf("[Config] ⚠️ Cannot watch %s: %v", envDir, err)
		}
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		reload := func() {
			cfg, err := Load(dir, env)
			if err != nil {
				log.Printf("[Config] ⚠️ Reload failed, keeping previous config: %v", err)
				return
			}
			log.Println("[Config] ✅ Reloaded")
			onChange(cfg)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Ext(event.Name) != ".json" {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(500*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[Config] ⚠️ Watch error: %v", err)
			}
		}
	}()
	return nil
}
