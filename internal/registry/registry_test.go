package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHolder struct {
	pid   int
	alive bool
}

func (f *fakeHolder) Pid() int     { return f.pid }
func (f *fakeHolder) IsAlive() bool { return f.alive }

func TestNewHandle_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		h, err := NewHandle()
		require.NoError(t, err)
		assert.False(t, seen[h], "handle collision at iteration %d", i)
		seen[h] = true
	}
}

func TestRegistry_InsertGetRemove(t *testing.T) {
	r := New()
	res := &Reservation{Handle: "h1", DeviceIndex: 0, Holder: &fakeHolder{pid: 100, alive: true}}
	r.Insert(res)

	got, ok := r.Get("h1")
	require.True(t, ok)
	assert.Equal(t, res, got)

	_, ok = r.Get("unknown")
	assert.False(t, ok)

	r.Remove("h1")
	_, ok = r.Get("h1")
	assert.False(t, ok)

	// Removing an already-absent handle is a no-op.
	r.Remove("h1")
}

func TestRegistry_DeviceInUse(t *testing.T) {
	r := New()
	assert.False(t, r.DeviceInUse(0))

	r.Insert(&Reservation{Handle: "h1", DeviceIndex: 2, Holder: &fakeHolder{}})
	assert.True(t, r.DeviceInUse(2))
	assert.False(t, r.DeviceInUse(0))

	r.Remove("h1")
	assert.False(t, r.DeviceInUse(2))
}

func TestRegistry_ExclusiveHolderOf(t *testing.T) {
	r := New()
	r.Insert(&Reservation{Handle: "h1", DeviceIndex: 1, Exclusive: false, Holder: &fakeHolder{}})
	assert.False(t, r.ExclusiveHolderOf(1))

	r.Insert(&Reservation{Handle: "h2", DeviceIndex: 1, Exclusive: true, Holder: &fakeHolder{}})
	assert.True(t, r.ExclusiveHolderOf(1))
}

func TestRegistry_SnapshotAndLen(t *testing.T) {
	r := New()
	assert.Equal(t, 0, r.Len())

	r.Insert(&Reservation{Handle: "h1", DeviceIndex: 0, Holder: &fakeHolder{}})
	r.Insert(&Reservation{Handle: "h2", DeviceIndex: 1, Holder: &fakeHolder{}})
	assert.Equal(t, 2, r.Len())

	snap := r.Snapshot()
	assert.Len(t, snap, 2)

	r.Remove("h1")
	assert.Equal(t, 1, r.Len())
	// Prior snapshot is unaffected by subsequent mutation.
	assert.Len(t, snap, 2)
}
