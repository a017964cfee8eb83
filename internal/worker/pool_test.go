package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"schedflow/internal/scheduler"
)

func nopLogger() *zerolog.Logger {
	lg := zerolog.Nop()
	return &lg
}

func TestPoolExecutesSubmittedFires(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	wg.Add(20)
	p := NewPool(ExecutorFunc(func(_ context.Context, f scheduler.Fire) {
		mu.Lock()
		seen[f.TaskID]++
		mu.Unlock()
		wg.Done()
	}), Options{Workers: 4, QueueSize: 4, Logger: nopLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	for i := 0; i < 20; i++ {
		id := string(rune('a' + i))
		if err := p.Submit(ctx, scheduler.Fire{TaskID: id}); err != nil {
			t.Fatalf("Submit(%s) err=%v", id, err)
		}
	}
	wg.Wait()
	if len(seen) != 20 {
		t.Fatalf("executed %d distinct fires, want 20", len(seen))
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop err=%v", err)
	}
	if st := p.Stats(); st.Executed != 20 || st.Busy != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var cur, peak atomic.Int64
	release := make(chan struct{})
	p := NewPool(ExecutorFunc(func(context.Context, scheduler.Fire) {
		n := cur.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		cur.Add(-1)
	}), Options{Workers: 2, QueueSize: 8, Logger: nopLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	for i := 0; i < 6; i++ {
		if err := p.Submit(ctx, scheduler.Fire{TaskID: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(100 * time.Millisecond)
	if got := peak.Load(); got != 2 {
		t.Fatalf("peak concurrency = %d, want 2", got)
	}
	close(release)
	_ = p.Stop(context.Background())
}

func TestSubmitAfterStop(t *testing.T) {
	p := NewPool(ExecutorFunc(func(context.Context, scheduler.Fire) {}), Options{Workers: 1, Logger: nopLogger()})
	if err := p.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(context.Background(), scheduler.Fire{TaskID: "late"}); err != ErrPoolStopped {
		t.Fatalf("Submit after Stop err=%v, want ErrPoolStopped", err)
	}
}

func TestSubmitRespectsContextWhenFull(t *testing.T) {
	// Not running: nothing drains the queue.
	p := NewPool(ExecutorFunc(func(context.Context, scheduler.Fire) {}), Options{Workers: 1, QueueSize: 1, Logger: nopLogger()})
	if err := p.Submit(context.Background(), scheduler.Fire{TaskID: "a"}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Submit(ctx, scheduler.Fire{TaskID: "b"}); err != context.DeadlineExceeded {
		t.Fatalf("Submit on full queue err=%v, want DeadlineExceeded", err)
	}
	_ = p.Stop(context.Background())
	if st := p.Stats(); st.Dropped != 1 || st.Queued != 0 {
		t.Fatalf("stats after stop = %+v, want 1 dropped", st)
	}
}

func TestCloseDropsBacklogAndUnblocksSubmit(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var ran atomic.Int32
	p := NewPool(ExecutorFunc(func(context.Context, scheduler.Fire) {
		ran.Add(1)
		started <- struct{}{}
		<-release
	}), Options{Workers: 1, QueueSize: 2, Logger: nopLogger()})
	go p.Run(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		if err := p.Submit(context.Background(), scheduler.Fire{TaskID: id}); err != nil {
			t.Fatalf("Submit(%s) err=%v", id, err)
		}
		if id == "a" {
			<-started
		}
	}
	blocked := make(chan error, 1)
	go func() { blocked <- p.Submit(context.Background(), scheduler.Fire{TaskID: "d"}) }()

	p.Close()
	select {
	case err := <-blocked:
		if err != ErrPoolStopped {
			t.Fatalf("blocked Submit err=%v, want ErrPoolStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Submit")
	}

	close(release)
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop err=%v", err)
	}
	if n := ran.Load(); n != 1 {
		t.Fatalf("executed %d fires, want only the one already running", n)
	}
	if st := p.Stats(); st.Dropped != 2 || st.Queued != 0 {
		t.Fatalf("stats = %+v, want 2 dropped", st)
	}
}

func TestStopCancelsSlowExecutionsOnDeadline(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	p := NewPool(ExecutorFunc(func(ctx context.Context, _ scheduler.Fire) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	}), Options{Workers: 1, Logger: nopLogger()})
	go p.Run(context.Background())
	if err := p.Submit(context.Background(), scheduler.Fire{TaskID: "slow"}); err != nil {
		t.Fatal(err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Stop(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Stop err=%v, want DeadlineExceeded", err)
	}
	if !cancelled.Load() {
		t.Fatal("in-flight execution was not cancelled")
	}
}

func TestPanickingExecutorDoesNotKillWorker(t *testing.T) {
	done := make(chan string, 2)
	p := NewPool(ExecutorFunc(func(_ context.Context, f scheduler.Fire) {
		if f.TaskID == "boom" {
			panic("boom")
		}
		done <- f.TaskID
	}), Options{Workers: 1, Logger: nopLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	_ = p.Submit(ctx, scheduler.Fire{TaskID: "boom"})
	_ = p.Submit(ctx, scheduler.Fire{TaskID: "ok"})
	select {
	case id := <-done:
		if id != "ok" {
			t.Fatalf("got %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
	_ = p.Stop(context.Background())
}

func TestRateLimitSpacesExecutions(t *testing.T) {
	var mu sync.Mutex
	var times []time.Time
	var wg sync.WaitGroup
	wg.Add(3)
	p := NewPool(ExecutorFunc(func(context.Context, scheduler.Fire) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		wg.Done()
	}), Options{Workers: 3, RatePerSec: 10, Burst: 1, Logger: nopLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	start := time.Now()
	for i := 0; i < 3; i++ {
		_ = p.Submit(ctx, scheduler.Fire{TaskID: "r"})
	}
	wg.Wait()
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("3 fires at 10/s took %s, want >= ~200ms", elapsed)
	}
	_ = p.Stop(context.Background())
}
