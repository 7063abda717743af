package backupstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/RecoveryGuard/pkg/logging"
	"github.com/supporttools/RecoveryGuard/pkg/recovery/types"
	"github.com/supporttools/RecoveryGuard/pkg/storage"
)

func newRecord(id string, ts time.Time) *types.BackupRecord {
	return &types.BackupRecord{
		ID:        id,
		Timestamp: ts,
		Type:      types.BackupManual,
		Status:    types.BackupCompleted,
		Tables: map[string]types.TableBackupInfo{
			"orgs": {Records: 1, Status: types.TableCompleted, Timestamp: ts},
		},
		TableOrder: []string{"orgs"},
		Metadata:   types.BackupMetadata{Retention: types.RetentionPermanent},
	}
}

func TestWriteAndReadPayload(t *testing.T) {
	ctx := context.Background()
	a, b := storage.NewMemory("a"), storage.NewMemory("b")
	s := New([]storage.Backend{a, b}, Options{}, logging.Discard())

	payload := &types.BackupPayload{
		BackupID:    "backup_1",
		TableName:   "orgs",
		Rows:        []types.Row{{"id": 9007199254740993, "name": "Acme"}},
		RecordCount: 1,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.Write(ctx, "backup_1", "orgs", payload))

	// Both backends hold the payload under the documented key
	for _, m := range []*storage.Memory{a, b} {
		_, err := m.Get(ctx, "backup_data:backup_1:orgs")
		require.NoError(t, err)
	}

	got, err := s.ReadPayload(ctx, "backup_1", "orgs")
	require.NoError(t, err)
	assert.Equal(t, "orgs", got.TableName)
	require.Len(t, got.Rows, 1)
	assert.Equal(t, json.Number("9007199254740993"), got.Rows[0]["id"], "large integers keep precision")
	assert.True(t, s.HasPayload(ctx, "backup_1", "orgs"))
	assert.False(t, s.HasPayload(ctx, "backup_1", "org"))

	_, err = s.ReadPayload(ctx, "backup_1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteQuorum(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")

	tests := []struct {
		name    string
		quorum  int
		failing int
		wantErr bool
	}{
		{name: "one of three is enough by default", quorum: 0, failing: 2},
		{name: "all failing", quorum: 1, failing: 3, wantErr: true},
		{name: "quorum two with one failure", quorum: 2, failing: 1},
		{name: "quorum two with two failures", quorum: 2, failing: 2, wantErr: true},
		{name: "quorum above backend count means all", quorum: 5, failing: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []storage.Backend
			for i := 0; i < 3; i++ {
				m := storage.NewMemory("m")
				if i < tt.failing {
					m.SetFailPuts(boom)
				}
				backends = append(backends, m)
			}
			s := New(backends, Options{WriteQuorum: tt.quorum}, logging.Discard())

			err := s.WriteMetadata(ctx, newRecord("backup_1", time.Now()))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrQuorumNotMet)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestReadFallsBackAcrossBackends(t *testing.T) {
	ctx := context.Background()
	first, second := storage.NewMemory("first"), storage.NewMemory("second")
	s := New([]storage.Backend{first, second}, Options{}, logging.Discard())

	// Only the second backend has a usable copy; the first holds garbage
	require.NoError(t, first.Put(ctx, MetaKey("backup_1"), []byte("{not json")))
	data, err := json.Marshal(newRecord("backup_1", time.Now()))
	require.NoError(t, err)
	require.NoError(t, second.Put(ctx, MetaKey("backup_1"), data))

	rec, err := s.ReadMetadata(ctx, "backup_1")
	require.NoError(t, err)
	assert.Equal(t, "backup_1", rec.ID)

	_, err = s.ReadMetadata(ctx, "backup_2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListUnionsAndSorts(t *testing.T) {
	ctx := context.Background()
	a, b := storage.NewMemory("a"), storage.NewMemory("b")
	s := New([]storage.Backend{a, b}, Options{}, logging.Discard())

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.WriteMetadata(ctx, newRecord("backup_old", base)))

	// A record only one backend knows about, and a corrupt entry
	only := New([]storage.Backend{b}, Options{}, logging.Discard())
	require.NoError(t, only.WriteMetadata(ctx, newRecord("backup_new", base.Add(time.Hour))))
	require.NoError(t, a.Put(ctx, MetaKey("backup_bad"), []byte("garbage")))

	records, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "backup_new", records[0].ID)
	assert.Equal(t, "backup_old", records[1].ID)

	entries, err := s.MetadataEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	for _, e := range entries {
		switch e.ID {
		case "backup_old":
			assert.Equal(t, []string{"a", "b"}, e.Backends)
		case "backup_bad":
			assert.Nil(t, e.Record)
		}
	}
}

func TestListFailsWhenEveryBackendFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New([]storage.Backend{storage.NewMemory("a")}, Options{}, logging.Discard())

	_, err := s.List(ctx)
	assert.Error(t, err)
}

func TestDeleteRemovesEverything(t *testing.T) {
	ctx := context.Background()
	a, b := storage.NewMemory("a"), storage.NewMemory("b")
	s := New([]storage.Backend{a, b}, Options{}, logging.Discard())

	require.NoError(t, s.Write(ctx, "backup_1", "orgs", &types.BackupPayload{TableName: "orgs"}))
	require.NoError(t, s.Write(ctx, "backup_1", "profiles", &types.BackupPayload{TableName: "profiles"}))
	require.NoError(t, s.WriteMetadata(ctx, newRecord("backup_1", time.Now())))
	require.NoError(t, s.Write(ctx, "backup_10", "orgs", &types.BackupPayload{TableName: "orgs"}))

	require.NoError(t, s.Delete(ctx, "backup_1"))

	assert.Equal(t, 1, a.Len(), "payload of backup_10 must survive")
	assert.Equal(t, 1, b.Len())
	_, err := s.ReadMetadata(ctx, "backup_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPayloadCodec(t *testing.T) {
	in := &types.BackupPayload{
		BackupID:    "b",
		TableName:   "t",
		Rows:        []types.Row{{"a": "x"}},
		RecordCount: 1,
	}
	data, err := encodePayload(in)
	require.NoError(t, err)

	out, err := decodePayload(data)
	require.NoError(t, err)
	assert.Equal(t, in.Rows, out.Rows)

	_, err = decodePayload([]byte("plain"))
	assert.Error(t, err)
}

func TestPayloadCodecKeepsExactBytes(t *testing.T) {
	raw := []byte{0xff, 0x00, 0xfe, 0x80}
	in := &types.BackupPayload{
		BackupID:  "b",
		TableName: "attachments",
		Rows: []types.Row{{
			"blob":    raw,
			"latin1":  string([]byte{0x63, 0x61, 0x66, 0xe9}),
			"text":    "café",
			"options": map[string]interface{}{"$binary": 1},
		}},
		RecordCount: 1,
	}
	data, err := encodePayload(in)
	require.NoError(t, err)
	assert.Equal(t, raw, in.Rows[0]["blob"], "encoding leaves the caller's rows alone")

	out, err := decodePayload(data)
	require.NoError(t, err)
	row := out.Rows[0]
	assert.Equal(t, raw, row["blob"])
	assert.Equal(t, string([]byte{0x63, 0x61, 0x66, 0xe9}), row["latin1"])
	assert.Equal(t, "café", row["text"])
	assert.Equal(t, map[string]interface{}{"$binary": json.Number("1")}, row["options"])
}

func TestStoreRoundTripsBinaryPayload(t *testing.T) {
	ctx := context.Background()
	s := New([]storage.Backend{storage.NewMemory("mem")}, Options{}, logging.Discard())
	raw := []byte{0xff, 0x00, 0xfe, 0x80}

	require.NoError(t, s.Write(ctx, "backup_1", "attachments", &types.BackupPayload{
		BackupID:    "backup_1",
		TableName:   "attachments",
		Rows:        []types.Row{{"blob": raw, "name": string(raw)}},
		RecordCount: 1,
	}))

	got, err := s.ReadPayload(ctx, "backup_1", "attachments")
	require.NoError(t, err)
	assert.Equal(t, raw, got.Rows[0]["blob"])
	assert.Equal(t, string(raw), got.Rows[0]["name"])
}
