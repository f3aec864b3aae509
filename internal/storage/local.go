package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local serves artifacts from a directory; locators are paths relative to it.
type Local struct {
	root string
}

func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (l *Local) path(locator string) (string, error) {
	p := filepath.Join(l.root, filepath.FromSlash(locator))
	// keep locators inside the root
	rel, err := filepath.Rel(l.root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", ErrNotFound
	}
	return p, nil
}

func (l *Local) Open(_ context.Context, locator string) (io.ReadCloser, error) {
	p, err := l.path(locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (l *Local) Delete(_ context.Context, locator string) error {
	p, err := l.path(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}
