package congestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rsslabs/shuffle/model"
)

func newTestController(pendingFn func() int64) *Controller {
	c := New(Options{
		SampleWindow:        10 * time.Second,
		HighWatermark:       1000,
		LowWatermark:        500,
		UserInactiveTimeout: 2 * time.Second,
		CheckPeriod:         0,
		PendingBytesFn:      pendingFn,
	})
	return c
}

func TestSingleUserCongestion(t *testing.T) {
	user := model.UserIdentifier{Tenant: "test", Name: "celeborn"}
	pending := int64(0)
	c := newTestController(func() int64 { return pending })

	require.False(t, c.IsUserCongested(user))

	c.ProduceBytes(user, 1001)
	pending = 1001
	c.CheckCongestion()
	require.True(t, c.IsUserCongested(user))

	pending = 0
	c.CheckCongestion()
	require.False(t, c.IsUserCongested(user))
}

func TestMultipleUsersCongestion(t *testing.T) {
	user1 := model.UserIdentifier{Tenant: "test", Name: "celeborn"}
	user2 := model.UserIdentifier{Tenant: "test", Name: "spark"}
	pending := int64(0)
	c := newTestController(func() int64 { return pending })

	require.False(t, c.IsUserCongested(user1))
	require.False(t, c.IsUserCongested(user2))

	c.ProduceBytes(user1, 800)
	c.ProduceBytes(user2, 201)
	pending = 1001
	c.CheckCongestion()
	require.True(t, c.IsUserCongested(user1))
	require.False(t, c.IsUserCongested(user2))

	pending = 0
	c.CheckCongestion()
	require.False(t, c.IsUserCongested(user1))
	require.False(t, c.IsUserCongested(user2))
}

func TestPerUserRateCap(t *testing.T) {
	user := model.UserIdentifier{Tenant: "test", Name: "celeborn"}
	c := New(Options{
		SampleWindow:        10 * time.Second,
		HighWatermark:       1 << 30,
		LowWatermark:        0,
		UserInactiveTimeout: time.Minute,
		PerUserRateCap:      100,
		PendingBytesFn:      func() int64 { return 0 },
	})

	c.ProduceBytes(user, 10000)
	c.CheckCongestion()
	require.True(t, c.IsUserCongested(user))
}

func TestInactiveUserEviction(t *testing.T) {
	user := model.UserIdentifier{Tenant: "test", Name: "celeborn"}
	c := newTestController(func() int64 { return 0 })
	fakeNow := time.Now()
	c.nowFn = func() time.Time { return fakeNow }
	c.workerWindow.nowFn = c.nowFn

	c.ProduceBytes(user, 10)
	c.mu.Lock()
	_, ok := c.users[user]
	c.mu.Unlock()
	require.True(t, ok)

	fakeNow = fakeNow.Add(3 * time.Second)
	c.CheckCongestion()

	c.mu.Lock()
	_, ok = c.users[user]
	c.mu.Unlock()
	require.False(t, ok)
}
