// Package replication observes change notifications for critical tables.
//
// The watcher only records what it sees. It is the hook future incremental
// backups will build on.
package replication

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/RecoveryGuard/pkg/logging"
	"github.com/supporttools/RecoveryGuard/pkg/metrics"
	"github.com/supporttools/RecoveryGuard/pkg/recovery/types"
)

// DefaultChannelPrefix is prepended to table names to form channel names
const DefaultChannelPrefix = "recovery_changes_"

// ErrAlreadyStarted is returned by Start on a running watcher
var ErrAlreadyStarted = errors.New("replication watcher already started")

// Notification is a single change event from a source
type Notification struct {
	Channel string
	Payload string
}

// ChangeSource delivers notifications for subscribed channels
type ChangeSource interface {
	Listen(channel string) error
	Notifications() <-chan Notification
	// Errors reports connection problems; it may never fire
	Errors() <-chan error
	Close() error
}

// Stats is a snapshot of what the watcher has observed
type Stats struct {
	Running   bool             `json:"running"`
	Tables    []string         `json:"tables"`
	Events    map[string]int64 `json:"events"`
	LastEvent time.Time        `json:"lastEvent,omitempty"`
	LastError string           `json:"lastError,omitempty"`
}

// Watcher subscribes to change notifications for a set of tables
type Watcher struct {
	source ChangeSource
	tables []string
	prefix string
	logger *logrus.Logger

	mu        sync.RWMutex
	running   bool
	events    map[string]int64
	lastEvent time.Time
	lastErr   error
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewWatcher creates a watcher for tables on source
func NewWatcher(source ChangeSource, tables []string, prefix string, logger *logrus.Logger) *Watcher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Watcher{
		source: source,
		tables: append([]string(nil), tables...),
		prefix: prefix,
		logger: logging.OrDefault(logger),
		events: make(map[string]int64),
	}
}

// Channel returns the notification channel for table
func (w *Watcher) Channel(table string) string {
	return w.prefix + table
}

// Start subscribes to every table and begins consuming notifications
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrAlreadyStarted
	}

	for _, table := range w.tables {
		if err := w.source.Listen(w.Channel(table)); err != nil {
			w.lastErr = err
			// Stop is a no-op for a watcher that never ran, so release the source here
			if cerr := w.source.Close(); cerr != nil {
				w.logger.WithError(cerr).Warn("Failed to close change source")
			}
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	go w.loop(ctx, w.done)

	w.logger.WithField("tables", w.tables).Info("Replication watcher started")
	return nil
}

// Stop ends consumption and closes the source
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
	return w.source.Close()
}

func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	notifications := w.source.Notifications()
	errs := w.source.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				w.recordError(errors.New("change source closed"))
				return
			}
			w.record(n)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.recordError(err)
		}
	}
}

func (w *Watcher) record(n Notification) {
	table := strings.TrimPrefix(n.Channel, w.prefix)

	w.mu.Lock()
	w.events[table]++
	w.lastEvent = time.Now()
	w.lastErr = nil
	w.mu.Unlock()

	metrics.ReplicationEvents.WithLabelValues(table).Inc()
	w.logger.WithFields(logrus.Fields{
		"table":   table,
		"payload": n.Payload,
	}).Debug("Change observed")
}

func (w *Watcher) recordError(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
	w.logger.WithError(err).Warn("Replication source error")
}

// Status maps the watcher state onto a health level: unknown until started,
// warning after a source error, healthy otherwise.
func (w *Watcher) Status() types.HealthLevel {
	w.mu.RLock()
	defer w.mu.RUnlock()
	switch {
	case !w.running:
		return types.HealthUnknown
	case w.lastErr != nil:
		return types.HealthWarning
	default:
		return types.HealthHealthy
	}
}

// Stats returns a copy of the observed counters
func (w *Watcher) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := Stats{
		Running:   w.running,
		Tables:    append([]string(nil), w.tables...),
		Events:    make(map[string]int64, len(w.events)),
		LastEvent: w.lastEvent,
	}
	for k, v := range w.events {
		s.Events[k] = v
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}
