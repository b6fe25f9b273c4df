package strtab

import (
	"sync"
	"testing"
)

func TestCalcParallelism(t *testing.T) {
	cases := []struct {
		items, threshold, cpus int
		wantSz, wantChunks     int
	}{
		{10, 64, 8, 10, 1},
		{64, 64, 8, 64, 1},
		{1024, 64, 4, 256, 4},
		{1024, 64, 64, 64, 16},
		{65536, 64, 8, 8192, 8},
	}
	for _, c := range cases {
		sz, chunks := calcParallelism(c.items, c.threshold, c.cpus)
		if sz != c.wantSz || chunks != c.wantChunks {
			t.Errorf("calcParallelism(%d, %d, %d) = (%d, %d), want (%d, %d)",
				c.items, c.threshold, c.cpus, sz, chunks, c.wantSz, c.wantChunks)
		}
		if chunks*sz < c.items {
			t.Errorf("chunks %d * size %d does not cover %d items", chunks, sz, c.items)
		}
	}
}

func TestCeilLog2(t *testing.T) {
	cases := map[int]int{0: 0, 1: 0, 2: 1, 3: 2, 4: 2, 5: 3, 8: 3, 9: 4, 1024: 10}
	for v, want := range cases {
		if got := ceilLog2(v); got != want {
			t.Errorf("ceilLog2(%d) = %d, want %d", v, got, want)
		}
	}
}

func TestStripedCounter(t *testing.T) {
	c := newStripedCounter(3)
	if len(c.stripes) != 4 {
		t.Fatalf("expected stripe count rounded to 4, got %d", len(c.stripes))
	}

	const goroutines = 8
	const perG = 10000
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				c.add(uintptr(g*perG+i), 1)
			}
		}(g)
	}
	wg.Wait()
	if got := c.sum(); got != goroutines*perG {
		t.Fatalf("sum = %d, want %d", got, goroutines*perG)
	}

	c.add(42, -int64(goroutines*perG))
	if got := c.sum(); got != 0 {
		t.Fatalf("sum after drain = %d, want 0", got)
	}
}
