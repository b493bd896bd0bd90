// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package syncx

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.astrophena.name/rssbot/internal/testutil"
)

func TestProtected(t *testing.T) {
	t.Parallel()

	t.Run("read access", func(t *testing.T) {
		p := Protect(42)
		var result int
		p.RAccess(func(val int) {
			result = val
		})
		testutil.AssertEqual(t, result, 42)
	})

	t.Run("concurrent access", func(t *testing.T) {
		var i int
		p := Protect(&i)
		var wg sync.WaitGroup
		for range 100 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.Access(func(val *int) {
					*val += 1
				})
			}()
		}
		wg.Wait()

		var result int
		p.RAccess(func(val *int) { result = *val })
		testutil.AssertEqual(t, result, 100)
	})
}

func TestLazy(t *testing.T) {
	t.Parallel()

	var l Lazy[int]
	var count int
	f := func() int {
		count++
		return count
	}
	testutil.AssertEqual(t, l.Get(f), 1)
	testutil.AssertEqual(t, l.Get(f), 1)
	testutil.AssertEqual(t, count, 1)

	var l2 Lazy[string]
	_, err := l2.GetErr(func() (string, error) { return "", errors.New("something went wrong") })
	if err == nil {
		t.Fatal("err must not be nil")
	}
	_, err = l2.GetErr(func() (string, error) { return "ok", nil })
	if err == nil {
		t.Fatal("err must be cached")
	}
}

func TestLimitedWaitGroup(t *testing.T) {
	t.Parallel()

	const limit = 3

	lwg := NewLimitedWaitGroup(limit)
	var running, maxRunning atomic.Int32
	for range 12 {
		lwg.Go(func() {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				cur := maxRunning.Load()
				if n <= cur || maxRunning.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
		})
	}
	lwg.Wait()

	if got := maxRunning.Load(); got > limit {
		t.Fatalf("%d goroutines ran concurrently, want at most %d", got, limit)
	}
}

func TestKeyedMutex(t *testing.T) {
	t.Parallel()

	var km KeyedMutex[string]
	var counters [2]int
	var wg sync.WaitGroup
	for i := range 200 {
		key := "a"
		idx := 0
		if i%2 == 1 {
			key, idx = "b", 1
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(key)
			defer unlock()
			v := counters[idx]
			time.Sleep(time.Microsecond)
			counters[idx] = v + 1
		}()
	}
	wg.Wait()

	testutil.AssertEqual(t, counters, [2]int{100, 100})
	testutil.AssertEqual(t, km.Len(), 0)
}
