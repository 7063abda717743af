// Package local handles local filesystem storage for recovery backups.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
	"github.com/supporttools/RecoveryGuard/pkg/logging"
	"github.com/supporttools/RecoveryGuard/pkg/storage"
)

// fileExt marks completed entries; in-flight temp files never carry it
const fileExt = ".bak"

// Client stores each key as one file under a base directory
type Client struct {
	dir    string
	logger *logrus.Logger
}

// NewClient creates a new local storage client rooted at dir
func NewClient(dir string, logger *logrus.Logger) (*Client, error) {
	if dir == "" {
		return nil, fmt.Errorf("local storage directory is not configured")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory %s: %w", dir, err)
	}

	return &Client{
		dir:    dir,
		logger: logging.OrDefault(logger),
	}, nil
}

// Name returns the backend name
func (c *Client) Name() string { return "local" }

// path returns the file that holds key
func (c *Client) path(key string) string {
	return filepath.Join(c.dir, url.QueryEscape(key)+fileExt)
}

// Put writes value atomically, replacing any previous content
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := atomic.WriteFile(c.path(key), bytes.NewReader(value)); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Get reads the file for key
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(c.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the file for key, ignoring missing files
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(c.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// ListKeys returns every stored key with prefix, sorted
func (c *Client) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup directory %s: %w", c.dir, err)
	}

	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		key, err := url.QueryUnescape(strings.TrimSuffix(name, fileExt))
		if err != nil {
			c.logger.WithField("file", name).Debug("Skipping file with undecodable name")
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Probe writes and removes a marker file
func (c *Client) Probe(ctx context.Context) error {
	if err := c.Put(ctx, storage.ProbeKey, []byte("ok")); err != nil {
		return err
	}
	return c.Delete(ctx, storage.ProbeKey)
}

// Close is a no-op for the filesystem
func (c *Client) Close() error { return nil }
