package utils

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type Records [][]byte

func TestFDQueue_Drain(t *testing.T) {
	const N = 1 << 10
	const K = 1 << 4

	ctx := context.Background()
	queue := NewFDQueue[Records](N*K*8, time.Second, 64)

	var wg sync.WaitGroup
	for k := 0; k < K; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			i := uint64(k) << 32
			for n := uint64(0); n < N; n++ {
				var b [8]byte
				binary.LittleEndian.PutUint64(b[:], i|n)
				assert.Nil(t, queue.Drain(ctx, Records{b[:]}))
			}
		}(k)
	}

	check := [K]int{}
	for i := 0; i < N*K; {
		nums, err := queue.Feed(ctx)
		assert.Nil(t, err)
		assert.LessOrEqual(t, len(nums), 8)
		for _, num := range nums {
			assert.Equal(t, 8, len(num))
			j := binary.LittleEndian.Uint64(num)
			k := int(j >> 32)
			n := int(j & 0xffffffff)
			assert.Equal(t, check[k], n)
			check[k] = n + 1
			i++
		}
	}
	wg.Wait()
	assert.Equal(t, 0, queue.Size())

	assert.Nil(t, queue.Close())
	assert.Equal(t, ErrClosed, queue.Drain(ctx, Records{{'a'}}))
	_, err := queue.Feed(ctx)
	assert.Equal(t, ErrClosed, err)
}

func TestFDQueue_Overflow(t *testing.T) {
	ctx := context.Background()
	queue := NewFDQueue[Records](4, time.Millisecond, 16)
	assert.Nil(t, queue.Drain(ctx, Records{[]byte("abc")}))
	assert.Equal(t, ErrOverflow, queue.Drain(ctx, Records{[]byte("de")}))
	// stays overflowed
	_, err := queue.Feed(ctx)
	assert.Equal(t, ErrOverflow, err)
}

func TestFDQueue_FeedTimeout(t *testing.T) {
	ctx := context.Background()
	queue := NewFDQueue[Records](1024, 10*time.Millisecond, 16)
	recs, err := queue.Feed(ctx)
	assert.Nil(t, err)
	assert.Empty(t, recs)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	recs, err = queue.Feed(cctx)
	assert.Nil(t, err)
	assert.Empty(t, recs)

	go func() {
		time.Sleep(time.Millisecond)
		_ = queue.Drain(ctx, Records{[]byte("late")})
	}()
	for len(recs) == 0 {
		recs, err = queue.Feed(ctx)
		assert.Nil(t, err)
	}
	assert.Equal(t, Records{[]byte("late")}, recs)
}

func TestFDQueue_Seal(t *testing.T) {
	ctx := context.Background()
	queue := NewFDQueue[Records](1024, time.Second, 4)
	assert.Nil(t, queue.Drain(ctx, Records{[]byte("bye"), []byte("now")}))
	queue.Seal()
	assert.Equal(t, ErrClosed, queue.Drain(ctx, Records{[]byte("late")}))

	recs, err := queue.Feed(ctx)
	assert.Nil(t, err)
	assert.Equal(t, Records{[]byte("bye"), []byte("now")}, recs)
	start := time.Now()
	_, err = queue.Feed(ctx)
	assert.Equal(t, ErrClosed, err)
	assert.Less(t, time.Since(start), time.Second/2)
}

func TestAvgVal(t *testing.T) {
	var a AvgVal
	assert.Equal(t, 0.0, a.Val())
	a.Add(2)
	a.Add(4)
	assert.Equal(t, 3.0, a.Val())
	assert.Equal(t, 2, a.Count())
	assert.Equal(t, 5.0, NewAvgVal(5).Val())
}
