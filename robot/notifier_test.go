package robot

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteNotifier(t testing.TB) (*sqliteNotifier, *Robot) {
	t.Helper()
	r := &Robot{
		config:                        &Config{DatabaseType: dbTypeSQLite},
		logger:                        slog.Default().With("test", t.Name()),
		signalStop:                    make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		triggerBlacklistRefreshCh:     make(chan bool, 1),
	}
	notifier, err := newDBNotifier(r)
	require.NoError(t, err)

	sqlNotifier, ok := notifier.(*sqliteNotifier)
	require.True(t, ok)
	return sqlNotifier, r
}

func TestSQLiteNotifier_ForwardsInProcess(t *testing.T) {
	notifier, r := newTestSQLiteNotifier(t)
	ctx := context.Background()

	assert.True(t, notifier.ReloadRuntimeConfig(ctx))
	select {
	case force := <-r.triggerRuntimeConfigRefreshCh:
		assert.True(t, force)
	case <-time.After(time.Second):
		t.Fatalf("no runtime config refresh signal")
	}

	assert.True(t, notifier.ReloadBlacklist(ctx))
	select {
	case force := <-r.triggerBlacklistRefreshCh:
		assert.True(t, force)
	case <-time.After(time.Second):
		t.Fatalf("no blacklist refresh signal")
	}

	assert.True(t, notifier.Stop(ctx))
	select {
	case <-r.signalStop:
	case <-time.After(time.Second):
		t.Fatalf("no stop signal")
	}
}

func TestSQLiteNotifier_TimesOutOnFullChannel(t *testing.T) {
	notifier, r := newTestSQLiteNotifier(t)

	// fill the channel so the send blocks, then expire the context
	r.triggerBlacklistRefreshCh <- true
	ctx, cancel := context.WithTimeout(
		context.Background(),
		50*time.Millisecond,
	)
	defer cancel()

	assert.False(t, notifier.ReloadBlacklist(ctx))
}

func TestSQLiteNotifier_ID(t *testing.T) {
	notifier, _ := newTestSQLiteNotifier(t)
	assert.Len(t, notifier.ID(), 32)

	other, _ := newTestSQLiteNotifier(t)
	assert.NotEqual(t, notifier.ID(), other.ID())
}

func TestSQLiteNotifier_ChannelNames(t *testing.T) {
	notifier, _ := newTestSQLiteNotifier(t)

	// in-process forwarding has no named channels to listen on
	assert.Empty(t, notifier.RuntimeConfigChannelName())
	assert.Empty(t, notifier.BlacklistChannelName())
	assert.Empty(t, notifier.StopChannelName())
	assert.NoError(t, notifier.Listen(context.Background(), ""))
}

func TestNewDBNotifier_Postgres(t *testing.T) {
	r := &Robot{
		config: &Config{DatabaseType: dbTypePostgres},
		logger: slog.Default(),
	}
	notifier, err := newDBNotifier(r)
	require.NoError(t, err)

	assert.Equal(
		t,
		postgresNotifyChannelRuntimeConfigUpdated,
		notifier.RuntimeConfigChannelName(),
	)
	assert.Equal(
		t,
		postgresNotifyChannelReloadBlacklist,
		notifier.BlacklistChannelName(),
	)
	assert.Equal(t, postgresNotifyChannelStop, notifier.StopChannelName())
	assert.NotEmpty(t, notifier.ID())
}

func TestNewDBNotifier_InvalidType(t *testing.T) {
	r := &Robot{
		config: &Config{DatabaseType: "oracle"},
		logger: slog.Default(),
	}
	_, err := newDBNotifier(r)
	require.Error(t, err)
}
