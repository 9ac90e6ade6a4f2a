package conflict

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"probooking/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func TestOverlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b [2]time.Time
		want bool
	}{
		{"identical", [2]time.Time{at(9, 0), at(10, 0)}, [2]time.Time{at(9, 0), at(10, 0)}, true},
		{"touching end", [2]time.Time{at(9, 0), at(10, 0)}, [2]time.Time{at(10, 0), at(11, 0)}, false},
		{"touching start", [2]time.Time{at(10, 0), at(11, 0)}, [2]time.Time{at(9, 0), at(10, 0)}, false},
		{"partial", [2]time.Time{at(9, 0), at(10, 0)}, [2]time.Time{at(9, 30), at(10, 30)}, true},
		{"contained", [2]time.Time{at(9, 0), at(12, 0)}, [2]time.Time{at(10, 0), at(10, 15)}, true},
		{"disjoint", [2]time.Time{at(9, 0), at(10, 0)}, [2]time.Time{at(11, 0), at(12, 0)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Overlaps(tt.a[0], tt.a[1], tt.b[0], tt.b[1]))
			assert.Equal(t, tt.want, Overlaps(tt.b[0], tt.b[1], tt.a[0], tt.a[1]))
		})
	}
}

func TestFilterAvailable_OnlyOccupyingStatusesBlock(t *testing.T) {
	slots := []models.TimeSlot{
		{Start: at(9, 0), End: at(10, 0), Available: true},
		{Start: at(10, 15), End: at(11, 15), Available: true},
		{Start: at(11, 30), End: at(12, 30), Available: true},
	}
	bookings := []*models.Booking{
		{Start: at(9, 30), End: at(10, 30), Status: models.StatusConfirmed},
		{Start: at(10, 15), End: at(11, 15), Status: models.StatusCancelledByCustomer},
		{Start: at(12, 0), End: at(13, 0), Status: models.StatusInDispute},
		{Start: at(10, 15), End: at(11, 15), Status: models.StatusExpired},
	}

	out := FilterAvailable(slots, bookings)
	require.Len(t, out, 3)
	assert.False(t, out[0].Available)
	assert.True(t, out[1].Available)
	assert.False(t, out[2].Available)

	// input is not mutated
	assert.True(t, slots[0].Available)
}

func TestIsFree(t *testing.T) {
	bookings := []*models.Booking{
		{Start: at(9, 0), End: at(10, 0), Status: models.StatusConfirmed},
		nil,
	}
	assert.False(t, IsFree(at(9, 59), at(10, 30), bookings))
	assert.True(t, IsFree(at(10, 0), at(11, 0), bookings))
	assert.True(t, IsFree(at(9, 0), at(10, 0), nil))
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(ctx, 1)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, km.Len())
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := km.Lock(ctx, 1)
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := km.Lock(ctx, 2)
		if err == nil {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	km := NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), 5)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, 5)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	assert.Equal(t, 0, km.Len())
}
