// Package playback resolves, caches and plays voice messages.
package playback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/househunter/messaging/pkg/logger"
	"github.com/househunter/messaging/pkg/metrics"
)

// ErrFetchFailed is returned when a remote voice message cannot be downloaded.
var ErrFetchFailed = errors.New("playback fetch failed")

// Cache downloads remote audio into a directory keyed by the normalized
// source URL. With no directory the remote URL is played directly.
type Cache struct {
	dir    string
	client *http.Client
	group  singleflight.Group
	logger *logger.Logger
}

// NewCache creates a cache in dir. An empty dir disables caching.
func NewCache(dir string, timeout time.Duration, log *logger.Logger) *Cache {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Cache{
		dir:    dir,
		client: &http.Client{Timeout: timeout},
		logger: log,
	}
}

// Enabled reports whether resolved URIs are local files.
func (c *Cache) Enabled() bool { return c.dir != "" }

// Resolve returns a playable URI for source: a cached local path when
// caching is enabled, the source itself otherwise. Local paths are
// returned unchanged.
func (c *Cache) Resolve(ctx context.Context, source string) (string, error) {
	u, err := url.Parse(source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		if _, statErr := os.Stat(source); statErr == nil {
			return source, nil
		}
		return "", fmt.Errorf("%w: unsupported source %q", ErrFetchFailed, source)
	}
	if !c.Enabled() {
		return source, nil
	}

	target := filepath.Join(c.dir, Key(source))
	if _, err := os.Stat(target); err == nil {
		metrics.PlaybackCache.WithLabelValues("hit").Inc()
		return target, nil
	}

	metrics.PlaybackCache.WithLabelValues("miss").Inc()
	_, err, shared := c.group.Do(target, func() (any, error) {
		return nil, c.download(ctx, source, target)
	})
	if shared {
		metrics.PlaybackCache.WithLabelValues("shared").Inc()
	}
	if err != nil {
		return "", err
	}
	return target, nil
}

func (c *Cache) download(ctx context.Context, source, target string) error {
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(c.dir, ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	n, err := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to store cache file: %w", err)
	}

	c.logger.Debug("cached voice message", zap.String("source", source), zap.Int64("bytes", n))
	return nil
}

// Normalize lowercases scheme and host and drops query and fragment so
// signed or tracked variants of one URL share a cache entry.
func Normalize(source string) string {
	u, err := url.Parse(source)
	if err != nil {
		return source
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// Key is the cache file name for source.
func Key(source string) string {
	normalized := Normalize(source)
	sum := sha256.Sum256([]byte(normalized))
	key := hex.EncodeToString(sum[:])

	if u, err := url.Parse(normalized); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 5 {
			key += strings.ToLower(ext)
		}
	}
	return key
}
