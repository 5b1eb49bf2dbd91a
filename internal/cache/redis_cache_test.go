package cache

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Total int64  `json:"total"`
	Label string `json:"label"`
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func TestCacheManager_LocalOnly(t *testing.T) {
	cm := New("", quietLogger())
	defer cm.Close()

	assert.False(t, cm.IsAvailable())

	var got payload
	found, err := cm.Get("missing", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cm.Set("stats", payload{Total: 42, Label: "x"}, time.Minute))
	found, err = cm.Get("stats", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, payload{Total: 42, Label: "x"}, got)

	require.NoError(t, cm.Delete("stats"))
	found, err = cm.Get("stats", &got)
	require.NoError(t, err)
	assert.False(t, found)

	// No redis: publishing is a no-op.
	cm.PublishUpdate("stats")
}

func TestCacheManager_UnreachableRedisFallsBack(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	cm := New("redis://"+addr, quietLogger())
	defer cm.Close()

	assert.False(t, cm.IsAvailable())
	require.NoError(t, cm.Set("k", payload{Total: 1}, time.Minute))
}

func TestCacheManager_SharedTier(t *testing.T) {
	mr := miniredis.RunT(t)

	a := New("redis://"+mr.Addr(), quietLogger())
	defer a.Close()
	b := New("redis://"+mr.Addr(), quietLogger())
	defer b.Close()
	require.True(t, a.IsAvailable())
	require.True(t, b.IsAvailable())

	require.NoError(t, a.Set("stats", payload{Total: 7}, time.Minute))
	assert.True(t, mr.Exists("stats"))

	var got payload
	found, err := b.Get("stats", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(7), got.Total)

	// b now holds a local copy; a clears the shared tier and tells b.
	require.NoError(t, a.Delete("stats"))
	assert.False(t, mr.Exists("stats"))
	a.PublishUpdate("stats")

	assert.Eventually(t, func() bool {
		var p payload
		found, err := b.Get("stats", &p)
		return err == nil && !found
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCacheManager_IgnoresMalformedUpdates(t *testing.T) {
	cm := New("", quietLogger())
	require.NoError(t, cm.Set("stats", payload{Total: 1}, time.Minute))

	cm.handleUpdateMessage("not json")
	cm.handleUpdateMessage(`{"action":"invalidate"}`)

	var got payload
	found, err := cm.Get("stats", &got)
	require.NoError(t, err)
	assert.True(t, found)

	cm.handleUpdateMessage(`{"action":"invalidate","key":"stats"}`)
	found, err = cm.Get("stats", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCacheManager_SetIfUnchanged(t *testing.T) {
	mr := miniredis.RunT(t)
	cm := New("redis://"+mr.Addr(), quietLogger())
	defer cm.Close()

	v := cm.Version("stats")
	stored, err := cm.SetIfUnchanged("stats", payload{Total: 1}, time.Minute, v)
	require.NoError(t, err)
	assert.True(t, stored)

	// An invalidation between reading the version and writing drops the write.
	v = cm.Version("stats")
	require.NoError(t, cm.Delete("stats"))
	stored, err = cm.SetIfUnchanged("stats", payload{Total: 2}, time.Minute, v)
	require.NoError(t, err)
	assert.False(t, stored)
	assert.False(t, mr.Exists("stats"))

	v = cm.Version("stats")
	cm.handleUpdateMessage(`{"action":"invalidate","key":"stats"}`)
	stored, err = cm.SetIfUnchanged("stats", payload{Total: 3}, time.Minute, v)
	require.NoError(t, err)
	assert.False(t, stored)

	var got payload
	found, err := cm.Get("stats", &got)
	require.NoError(t, err)
	assert.False(t, found)

	// Other keys are unaffected.
	stored, err = cm.SetIfUnchanged("other", payload{Total: 4}, time.Minute, cm.Version("other"))
	require.NoError(t, err)
	assert.True(t, stored)
}
