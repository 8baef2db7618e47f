package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it is written and hands the result
// to fn. The parent directory is watched so editors that save via rename are
// still seen. Invalid files are logged and skipped. Watch returns once the
// watcher is installed; it stops when ctx ends.
func Watch(ctx context.Context, path string, validate func(*Config) error, fn func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				cfg, err := LoadPartial(abs)
				if err != nil {
					log.Printf("CONFIG: reload of %s failed: %v", abs, err)
					continue
				}
				if validate != nil {
					if err := validate(&cfg); err != nil {
						log.Printf("CONFIG: reload of %s rejected: %v", abs, err)
						continue
					}
				}
				log.Printf("CONFIG: reloaded %s", abs)
				fn(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("CONFIG: watcher error: %v", err)
			}
		}
	}()
	return nil
}
