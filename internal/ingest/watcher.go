package ingest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/filetrack/filetrack/constants"
)

// WatchConfig configures the upload-directory watcher. Files dropped under
// Root are registered on behalf of OwnerID with locators relative to Root.
type WatchConfig struct {
	Root        string
	OwnerID     int64
	AllowedExts map[string]struct{}
	InitialScan bool          // if true, walk the root and register existing files
	Debounce    time.Duration // coalesce rapid write bursts per path
}

// Watch registers files appearing under cfg.Root until ctx is cancelled.
func (s *Service) Watch(ctx context.Context, cfg WatchConfig) error {
	if cfg.Root == "" {
		return errors.New("no watch root provided")
	}
	if cfg.AllowedExts == nil {
		cfg.AllowedExts = constants.AllowedExtensions
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Error("failed to create watcher", "error", err)
		return err
	}
	defer w.Close()

	if err := filepath.WalkDir(cfg.Root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return w.Add(path)
		}
		if cfg.InitialScan && allowed(path, cfg.AllowedExts) {
			s.register(ctx, cfg, path)
		}
		return nil
	}); err != nil {
		s.logger.Error("failed to add watch root", "root", cfg.Root, "error", err)
		return err
	}
	s.logger.Info("watching upload directory", "root", cfg.Root, "owner_id", cfg.OwnerID)

	// debounce write bursts: register a path only after it goes quiet
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(cfg.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
					_ = w.Add(ev.Name)
					continue
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 && allowed(ev.Name, cfg.AllowedExts) {
				pending[ev.Name] = time.Now()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("watcher error", "error", err)
		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) >= cfg.Debounce {
					delete(pending, path)
					s.register(ctx, cfg, path)
				}
			}
		}
	}
}

func (s *Service) register(ctx context.Context, cfg WatchConfig, path string) {
	rel, err := filepath.Rel(cfg.Root, path)
	if err != nil {
		s.logger.Error("failed to relativize watched path", "path", path, "error", err)
		return
	}
	locator := filepath.ToSlash(rel)
	if _, _, err := s.RegisterUpload(ctx, UploadRequest{
		OwnerID:  cfg.OwnerID,
		Filename: filepath.Base(path),
		Locator:  locator,
	}); err != nil {
		s.logger.Error("failed to register watched file", "path", path, "error", err)
	}
}

func allowed(path string, exts map[string]struct{}) bool {
	ext := constants.NormalizeExt(filepath.Ext(path))
	if ext == "" {
		return false
	}
	_, ok := exts[ext]
	return ok && !strings.HasPrefix(filepath.Base(path), ".")
}
