package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipctunnel/pkg/ipc"
	"ipctunnel/pkg/types"
)

func TestSyncReportsChanges(t *testing.T) {
	cfg := ipc.IsolatedConfig()
	node, err := ipc.NewNode(cfg, "tracker-test")
	require.NoError(t, err)
	defer node.Close()

	tr := New()

	added, removed, err := tr.Sync(cfg)
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Empty(t, removed)

	first, err := node.OpenOrCreatePublishSubscribe("first", types.PublishSubscribeConfig{})
	require.NoError(t, err)
	second, err := node.OpenOrCreateEvent("second", types.EventConfig{})
	require.NoError(t, err)

	added, removed, err = tr.Sync(cfg)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.ServiceID{first.ID(), second.ID()}, added)
	assert.Empty(t, removed)
	assert.Equal(t, 2, tr.Len())

	added, removed, err = tr.Sync(cfg)
	require.NoError(t, err)
	assert.Empty(t, added, "unchanged domain reports nothing")
	assert.Empty(t, removed)

	require.NoError(t, first.Close())
	added, removed, err = tr.Sync(cfg)
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Equal(t, []types.ServiceID{first.ID()}, removed)
}

func TestGet(t *testing.T) {
	cfg := ipc.IsolatedConfig()
	node, err := ipc.NewNode(cfg, "tracker-get")
	require.NoError(t, err)
	defer node.Close()

	svc, err := node.OpenOrCreatePublishSubscribe("details", types.PublishSubscribeConfig{HistorySize: 1})
	require.NoError(t, err)

	tr := New()
	_, err = tr.Get(svc.ID())
	assert.ErrorIs(t, err, ErrUnknownService)

	_, _, err = tr.Sync(cfg)
	require.NoError(t, err)

	static, err := tr.Get(svc.ID())
	require.NoError(t, err)
	assert.Equal(t, types.ServiceName("details"), static.Name)
	assert.Equal(t, types.PublishSubscribe, static.Pattern)
	require.NotNil(t, static.PublishSubscribe)
	assert.Equal(t, 1, static.PublishSubscribe.HistorySize)
}

func TestSyncInvalidDomain(t *testing.T) {
	_, _, err := New().Sync(ipc.Config{Domain: "bad domain"})
	assert.ErrorIs(t, err, ipc.ErrInvalidDomain)
}
