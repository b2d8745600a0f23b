package outcomes

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onegate/config"
)

func TestNew_Disabled(t *testing.T) {
	res, err := New(context.Background(), &config.Config{})
	require.NoError(t, err)
	assert.IsType(t, &NoopLogger{}, res.Logger)
	assert.Nil(t, res.Reader)
	assert.Nil(t, res.Storage)
	assert.NoError(t, res.Close())
}

func TestNew_SQLite(t *testing.T) {
	cfg := &config.Config{
		Outcomes: config.OutcomesConfig{Enabled: true, FlushInterval: 1},
		Storage: config.StorageConfig{
			Type:   "sqlite",
			SQLite: config.SQLiteStorageConfig{Path: filepath.Join(t.TempDir(), "outcomes.db")},
		},
	}

	res, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, res.Reader)
	assert.Equal(t, time.Second, res.Logger.Config().FlushInterval)

	res.Logger.Write(&Entry{ID: "1", RequestID: "r", Timestamp: time.Now(), Channel: "c", AdapterType: "a", Model: "m", Attempt: 1, Success: true})

	// closing the logger flushes; read back before the storage goes away
	require.NoError(t, res.Logger.Close())
	got, err := res.Reader.Recent(context.Background(), QueryParams{})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.NoError(t, res.Close())
}

func TestNew_UnknownStorage(t *testing.T) {
	_, err := New(context.Background(), &config.Config{
		Outcomes: config.OutcomesConfig{Enabled: true},
		Storage:  config.StorageConfig{Type: "cassandra"},
	})
	require.Error(t, err)
}
