// Package backupstore persists backup metadata and table payloads across
// every configured storage backend.
package backupstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/supporttools/RecoveryGuard/pkg/logging"
	"github.com/supporttools/RecoveryGuard/pkg/metrics"
	"github.com/supporttools/RecoveryGuard/pkg/recovery/types"
	"github.com/supporttools/RecoveryGuard/pkg/storage"
)

// Key prefixes shared by every backend
const (
	MetaPrefix = "backup_meta:"
	DataPrefix = "backup_data:"
)

var (
	// ErrNotFound is returned when no backend holds the requested entry
	ErrNotFound = errors.New("backup not found")
	// ErrQuorumNotMet is returned when fewer backends than required acknowledged a write
	ErrQuorumNotMet = errors.New("write quorum not met")
)

// MetaKey returns the metadata key of a backup
func MetaKey(id string) string { return MetaPrefix + id }

// DataKey returns the payload key of one table in a backup
func DataKey(id, table string) string { return DataPrefix + id + ":" + table }

// dataKeyPrefix returns the prefix shared by every payload of a backup
func dataKeyPrefix(id string) string { return DataPrefix + id + ":" }

// Options tunes the store
type Options struct {
	// WriteQuorum is the number of backends that must acknowledge a write.
	// Values below one mean one; values above the backend count mean all.
	WriteQuorum int
}

// Store fans writes out to every backend and reads from the first that answers
type Store struct {
	backends []storage.Backend
	quorum   int
	logger   *logrus.Logger
}

// New creates a Store over backends, in priority order for reads
func New(backends []storage.Backend, opts Options, logger *logrus.Logger) *Store {
	quorum := opts.WriteQuorum
	if quorum < 1 {
		quorum = 1
	}
	if quorum > len(backends) {
		quorum = len(backends)
	}
	return &Store{
		backends: backends,
		quorum:   quorum,
		logger:   logging.OrDefault(logger),
	}
}

// Backends returns the configured backends in order
func (s *Store) Backends() []storage.Backend {
	return s.backends
}

// Write encodes and stores the payload of one table
func (s *Store) Write(ctx context.Context, backupID, table string, payload *types.BackupPayload) error {
	data, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", table, err)
	}

	s.logger.WithFields(logrus.Fields{
		"backup": backupID,
		"table":  table,
		"rows":   payload.RecordCount,
		"size":   humanize.Bytes(uint64(len(data))),
	}).Debug("Writing table payload")

	return s.fanOut(ctx, DataKey(backupID, table), data, payload.CreatedAt)
}

// WriteMetadata stores the backup record, indexed by its timestamp where supported
func (s *Store) WriteMetadata(ctx context.Context, record *types.BackupRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode metadata for %s: %w", record.ID, err)
	}
	return s.fanOut(ctx, MetaKey(record.ID), data, record.Timestamp)
}

// fanOut writes value to every backend concurrently. Individual failures are
// logged; the write fails only when fewer than quorum backends succeed.
func (s *Store) fanOut(ctx context.Context, key string, value []byte, ts time.Time) error {
	if len(s.backends) == 0 {
		return fmt.Errorf("%s: no storage backends configured: %w", key, ErrQuorumNotMet)
	}

	errs := make([]error, len(s.backends))
	var g errgroup.Group

	for i, b := range s.backends {
		g.Go(func() error {
			var err error
			if ti, ok := b.(storage.TimeIndexed); ok && !ts.IsZero() {
				err = ti.PutAt(ctx, key, value, ts)
			} else {
				err = b.Put(ctx, key, value)
			}

			if err != nil {
				metrics.BackendWriteCount.WithLabelValues(b.Name(), "error").Inc()
				s.logger.WithError(err).WithFields(logrus.Fields{
					"backend": b.Name(),
					"key":     key,
				}).Warn("Storage backend write failed")
				errs[i] = fmt.Errorf("%s: %w", b.Name(), err)
				return nil
			}

			metrics.BackendWriteCount.WithLabelValues(b.Name(), "success").Inc()
			metrics.BackendWriteBytes.WithLabelValues(b.Name()).Add(float64(len(value)))
			return nil
		})
	}
	_ = g.Wait()

	acked := 0
	for _, err := range errs {
		if err == nil {
			acked++
		}
	}
	if acked < s.quorum {
		return fmt.Errorf("%s: %d of %d backends acknowledged, %d required: %w (%v)",
			key, acked, len(s.backends), s.quorum, ErrQuorumNotMet, errors.Join(errs...))
	}
	return nil
}

// get returns the first value any backend holds for key
func (s *Store) get(ctx context.Context, key string, decode func([]byte) error) error {
	for _, b := range s.backends {
		data, err := b.Get(ctx, key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.WithError(err).WithFields(logrus.Fields{
				"backend": b.Name(),
				"key":     key,
			}).Warn("Storage backend read failed, trying next")
			continue
		}
		if err := decode(data); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"backend": b.Name(),
				"key":     key,
			}).Warn("Corrupt entry, trying next backend")
			continue
		}
		return nil
	}
	return ErrNotFound
}

// ReadMetadata returns the record of backup id
func (s *Store) ReadMetadata(ctx context.Context, id string) (*types.BackupRecord, error) {
	var record types.BackupRecord
	err := s.get(ctx, MetaKey(id), func(data []byte) error {
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, fmt.Errorf("backup %s: %w", id, err)
	}
	return &record, nil
}

// ReadPayload returns the stored rows of one table in backup id
func (s *Store) ReadPayload(ctx context.Context, id, table string) (*types.BackupPayload, error) {
	var payload *types.BackupPayload
	err := s.get(ctx, DataKey(id, table), func(data []byte) error {
		p, err := decodePayload(data)
		if err != nil {
			return err
		}
		payload = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("payload %s/%s: %w", id, table, err)
	}
	return payload, nil
}

// HasPayload reports whether any backend holds the payload of table in backup id
func (s *Store) HasPayload(ctx context.Context, id, table string) bool {
	key := DataKey(id, table)
	for _, b := range s.backends {
		keys, err := b.ListKeys(ctx, key)
		if err != nil {
			continue
		}
		for _, k := range keys {
			if k == key {
				return true
			}
		}
	}
	return false
}

// MetadataEntry is one backup as found on the backends, whether or not its
// record could be decoded
type MetadataEntry struct {
	ID  string
	Key string
	// Record is nil when no backend held a decodable copy
	Record   *types.BackupRecord
	Backends []string
}

// MetadataEntries scans every backend for metadata keys and unions them by ID
func (s *Store) MetadataEntries(ctx context.Context) ([]MetadataEntry, error) {
	byID := make(map[string]*MetadataEntry)
	var order []string
	failures := 0

	for _, b := range s.backends {
		keys, err := s.listMetaKeys(ctx, b)
		if err != nil {
			failures++
			s.logger.WithError(err).WithField("backend", b.Name()).Warn("Failed to list backups")
			continue
		}

		for _, key := range keys {
			id := strings.TrimPrefix(key, MetaPrefix)
			entry, ok := byID[id]
			if !ok {
				entry = &MetadataEntry{ID: id, Key: key}
				byID[id] = entry
				order = append(order, id)
			}
			entry.Backends = append(entry.Backends, b.Name())

			if entry.Record != nil {
				continue
			}
			data, err := b.Get(ctx, key)
			if err != nil {
				continue
			}
			var record types.BackupRecord
			if err := json.Unmarshal(data, &record); err != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"backend": b.Name(),
					"key":     key,
				}).Warn("Skipping corrupt backup metadata")
				continue
			}
			entry.Record = &record
		}
	}

	if len(s.backends) > 0 && failures == len(s.backends) {
		return nil, fmt.Errorf("failed to list backups on every storage backend")
	}

	entries := make([]MetadataEntry, 0, len(order))
	for _, id := range order {
		entries = append(entries, *byID[id])
	}
	return entries, nil
}

// listMetaKeys prefers the timestamp index when the backend has one
func (s *Store) listMetaKeys(ctx context.Context, b storage.Backend) ([]string, error) {
	if ti, ok := b.(storage.TimeIndexed); ok {
		return ti.ListKeysByTime(ctx, MetaPrefix)
	}
	return b.ListKeys(ctx, MetaPrefix)
}

// List returns every decodable backup record, newest first
func (s *Store) List(ctx context.Context) ([]*types.BackupRecord, error) {
	entries, err := s.MetadataEntries(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]*types.BackupRecord, 0, len(entries))
	for _, e := range entries {
		if e.Record != nil {
			records = append(records, e.Record)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records, nil
}

// Delete removes the metadata and every payload of backup id from every backend.
// It keeps going past failures and returns them joined.
func (s *Store) Delete(ctx context.Context, id string) error {
	var errs []error
	for _, b := range s.backends {
		keys, err := b.ListKeys(ctx, dataKeyPrefix(id))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: list payloads: %w", b.Name(), err))
		}
		for _, key := range keys {
			if err := b.Delete(ctx, key); err != nil {
				errs = append(errs, fmt.Errorf("%s: delete %s: %w", b.Name(), key, err))
			}
		}
		if err := b.Delete(ctx, MetaKey(id)); err != nil {
			errs = append(errs, fmt.Errorf("%s: delete metadata: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Values JSON cannot carry byte for byte are wrapped in a single-key object:
// raw bytes as {"$binary": base64} and non-UTF-8 strings as {"$bytes": base64}.
const (
	binaryTag = "$binary"
	bytesTag  = "$bytes"
)

func encodeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return map[string]string{binaryTag: base64.StdEncoding.EncodeToString(val)}
	case string:
		if !utf8.ValidString(val) {
			return map[string]string{bytesTag: base64.StdEncoding.EncodeToString([]byte(val))}
		}
	}
	return v
}

func decodeValue(v interface{}) (interface{}, error) {
	m, ok := v.(map[string]interface{})
	if !ok || len(m) != 1 {
		return v, nil
	}
	for tag, raw := range m {
		if tag != binaryTag && tag != bytesTag {
			return v, nil
		}
		enc, ok := raw.(string)
		if !ok {
			return v, nil
		}
		b, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value: %w", tag, err)
		}
		if tag == bytesTag {
			return string(b), nil
		}
		return b, nil
	}
	return v, nil
}

// encodePayload serializes a payload as gzip-compressed JSON
func encodePayload(p *types.BackupPayload) ([]byte, error) {
	wire := *p
	wire.Rows = make([]types.Row, len(p.Rows))
	for i, r := range p.Rows {
		row := make(types.Row, len(r))
		for c, v := range r {
			row[c] = encodeValue(v)
		}
		wire.Rows[i] = row
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(&wire); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodePayload reverses encodePayload. Numbers decode as json.Number so
// integer columns keep their exact value.
func decodePayload(data []byte) (*types.BackupPayload, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid payload compression: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("invalid payload compression: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p types.BackupPayload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	for _, row := range p.Rows {
		for c, v := range row {
			if row[c], err = decodeValue(v); err != nil {
				return nil, fmt.Errorf("invalid payload column %s: %w", c, err)
			}
		}
	}
	return &p, nil
}
