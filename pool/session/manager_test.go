package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wricardo/mcp-pool/pool/ports"
	"github.com/wricardo/mcp-pool/pool/session"
	"github.com/wricardo/mcp-pool/pool/worker"
	"github.com/wricardo/mcp-pool/pool/worker/workertest"
)

const basePort = 9000

type fixture struct {
	launcher  *workertest.Launcher
	prober    *workertest.Prober
	connector *workertest.Connector
	lifecycle *worker.Manager
	allocator *ports.Allocator
	clock     *workertest.Clock
	manager   *session.Manager
}

func newFixture(t *testing.T, maxInstances int, opts ...session.Option) *fixture {
	t.Helper()

	f := &fixture{
		launcher:  workertest.NewLauncher(),
		prober:    &workertest.Prober{},
		connector: &workertest.Connector{},
		clock:     workertest.NewClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)),
	}

	allocator, err := ports.NewAllocator(basePort, 100, 100, ports.ClaimerFunc(func(int) bool { return true }))
	if err != nil {
		t.Fatalf("Failed to create allocator: %v", err)
	}
	f.allocator = allocator

	f.lifecycle = worker.NewManager(f.launcher, f.prober, f.connector, worker.WithClock(f.clock.Now))
	f.manager = session.NewManager(f.lifecycle, allocator, maxInstances,
		append([]session.Option{session.WithClock(f.clock.Now)}, opts...)...)
	f.lifecycle.OnUnexpectedExit(f.manager.HandleExit)
	return f
}

func (f *fixture) killedPorts() []int {
	var killed []int
	for _, port := range f.launcher.Launched() {
		if p := f.launcher.Process(port); p != nil && p.Killed() {
			killed = append(killed, port)
		}
	}
	return killed
}

func TestManager_DistinctPortsInRange(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	seen := map[int]string{}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("session-%d", i)
		w, err := f.manager.GetOrCreate(ctx, id)
		if err != nil {
			t.Fatalf("GetOrCreate(%s) failed: %v", id, err)
		}
		if other, dup := seen[w.Port]; dup {
			t.Fatalf("Port %d handed to both %s and %s", w.Port, other, id)
		}
		if w.Port < basePort || w.Port > basePort+100 {
			t.Errorf("Port %d outside range", w.Port)
		}
		seen[w.Port] = id
	}

	if f.manager.Count() != 10 {
		t.Errorf("Expected 10 live workers, got %d", f.manager.Count())
	}
}

func TestManager_SameSessionReusesWorker(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	first, err := f.manager.GetOrCreate(ctx, "session-a")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	f.clock.Advance(time.Minute)

	second, err := f.manager.GetOrCreate(ctx, "session-a")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	if first != second || first.Port != second.Port {
		t.Errorf("Expected the same worker, got ports %d and %d", first.Port, second.Port)
	}
	if n := len(f.launcher.Launched()); n != 1 {
		t.Errorf("Expected exactly one spawn, got %d", n)
	}
	if !second.LastUsed().Equal(f.clock.Now()) {
		t.Errorf("Expected lastUsed to be refreshed, got %v", second.LastUsed())
	}
}

func TestManager_EvictsLeastRecentlyUsed(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	assigned := make([]int, 10)
	for i := 0; i < 10; i++ {
		f.clock.Advance(time.Minute)
		w, err := f.manager.GetOrCreate(ctx, fmt.Sprintf("session-%d", i))
		if err != nil {
			t.Fatalf("GetOrCreate failed: %v", err)
		}
		assigned[i] = w.Port
	}

	// Refresh session-0 so session-1 becomes the oldest.
	f.clock.Advance(time.Minute)
	if _, err := f.manager.GetOrCreate(ctx, "session-0"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	f.clock.Advance(time.Minute)
	w, err := f.manager.GetOrCreate(ctx, "session-10")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	killed := f.killedPorts()
	if len(killed) != 1 || killed[0] != assigned[1] {
		t.Fatalf("Expected exactly port %d to be killed, got %v", assigned[1], killed)
	}
	if f.manager.Count() != 10 {
		t.Errorf("Expected 10 live workers after eviction, got %d", f.manager.Count())
	}
	if _, err := f.manager.Get("session-1"); !errors.Is(err, session.ErrWorkerNotFound) {
		t.Errorf("Expected evicted session to have no worker, got %v", err)
	}
	if got, _ := f.manager.Get("session-10"); got != w {
		t.Error("Expected new session to be assigned")
	}
}

func TestManager_EvictionTieBreakIsLowestPort(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	var lowest int
	for i := 0; i < 3; i++ {
		w, err := f.manager.GetOrCreate(ctx, fmt.Sprintf("session-%d", i))
		if err != nil {
			t.Fatalf("GetOrCreate failed: %v", err)
		}
		if i == 0 || w.Port < lowest {
			lowest = w.Port
		}
	}

	if _, err := f.manager.GetOrCreate(ctx, "session-new"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	killed := f.killedPorts()
	if len(killed) != 1 || killed[0] != lowest {
		t.Errorf("Expected lowest port %d evicted, got %v", lowest, killed)
	}
}

func TestManager_StartupFailureLeavesPoolUnchanged(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	if _, err := f.manager.GetOrCreate(ctx, "healthy"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	f.prober.Err = fmt.Errorf("%w: no answer", worker.ErrStartupTimeout)

	_, err := f.manager.GetOrCreate(ctx, "doomed")
	if !errors.Is(err, worker.ErrStartupTimeout) {
		t.Fatalf("Expected startup timeout, got %v", err)
	}

	if f.manager.Count() != 1 {
		t.Errorf("Expected pool size 1, got %d", f.manager.Count())
	}
	if _, err := f.manager.Get("doomed"); !errors.Is(err, session.ErrWorkerNotFound) {
		t.Errorf("Expected no assignment for failed session, got %v", err)
	}

	launched := f.launcher.Launched()
	if p := f.launcher.Process(launched[len(launched)-1]); !p.Killed() {
		t.Error("Expected half-started process to be killed")
	}
}

func TestManager_SpawnFailure(t *testing.T) {
	f := newFixture(t, 10)
	f.launcher.Err = errors.New("npx: not found")

	_, err := f.manager.GetOrCreate(context.Background(), "session-a")
	if !errors.Is(err, worker.ErrSpawnFailure) {
		t.Fatalf("Expected spawn failure, got %v", err)
	}
	if f.manager.Count() != 0 {
		t.Errorf("Expected empty pool, got %d", f.manager.Count())
	}
}

func TestManager_PortExhausted(t *testing.T) {
	f := newFixture(t, 10)

	busy, err := ports.NewAllocator(basePort, 5, 6, ports.ClaimerFunc(func(int) bool { return false }))
	if err != nil {
		t.Fatalf("Failed to create allocator: %v", err)
	}
	manager := session.NewManager(f.lifecycle, busy, 10)

	_, err = manager.GetOrCreate(context.Background(), "session-a")
	if !errors.Is(err, ports.ErrPortExhausted) {
		t.Fatalf("Expected port exhaustion, got %v", err)
	}
	if len(f.launcher.Launched()) != 0 {
		t.Error("Expected nothing to be spawned")
	}
}

func TestManager_UnexpectedExitClearsAssignment(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	w, err := f.manager.GetOrCreate(ctx, "session-a")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	f.launcher.Exit(w.Port, errors.New("signal: segmentation fault"))

	if f.manager.Count() != 0 {
		t.Errorf("Expected exited worker to be removed, count=%d", f.manager.Count())
	}
	if _, err := f.manager.Get("session-a"); !errors.Is(err, session.ErrWorkerNotFound) {
		t.Errorf("Expected assignment to be cleared, got %v", err)
	}

	fresh, err := f.manager.GetOrCreate(ctx, "session-a")
	if err != nil {
		t.Fatalf("GetOrCreate after exit failed: %v", err)
	}
	if fresh == w {
		t.Error("Expected a fresh worker after exit")
	}
	if n := len(f.launcher.Launched()); n != 2 {
		t.Errorf("Expected a respawn, got %d launches", n)
	}
}

func TestManager_ExitDuringStartup(t *testing.T) {
	f := newFixture(t, 10)
	f.prober.Err = context.Canceled
	f.prober.Hook = func(port int) {
		f.launcher.Exit(port, errors.New("exit status 1"))
	}

	_, err := f.manager.GetOrCreate(context.Background(), "session-a")
	if !errors.Is(err, worker.ErrSpawnFailure) {
		t.Fatalf("Expected spawn failure, got %v", err)
	}
	if f.manager.Count() != 0 {
		t.Errorf("Expected empty pool, got %d", f.manager.Count())
	}
}

func TestManager_ConcurrentGetOrCreateSpawnsOnce(t *testing.T) {
	f := newFixture(t, 10)
	f.prober.Hook = func(int) { time.Sleep(50 * time.Millisecond) }

	const callers = 8
	results := make([]*worker.Worker, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.manager.GetOrCreate(context.Background(), "session-a")
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("Caller %d failed: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Errorf("Caller %d got a different worker", i)
		}
	}
	if n := len(f.launcher.Launched()); n != 1 {
		t.Errorf("Expected one spawn, got %d", n)
	}
}

func TestManager_ConcurrentSessionsRespectCapacity(t *testing.T) {
	f := newFixture(t, 3)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.manager.GetOrCreate(context.Background(), fmt.Sprintf("session-%d", i)); err != nil {
				t.Errorf("GetOrCreate failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if f.manager.Count() > 3 {
		t.Errorf("Pool exceeded capacity: %d", f.manager.Count())
	}
}

func TestManager_KillIsIdempotent(t *testing.T) {
	f := newFixture(t, 10)

	w, err := f.manager.GetOrCreate(context.Background(), "session-a")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	if err := f.manager.Kill(w); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if err := f.manager.Kill(w); err != nil {
		t.Errorf("Second kill should be a no-op, got %v", err)
	}
	if !f.connector.Channel(w.Port).Closed() {
		t.Error("Expected channel to be closed")
	}
	if f.manager.Count() != 0 {
		t.Errorf("Expected empty pool, got %d", f.manager.Count())
	}
	if err := f.manager.KillPort(w.Port); !errors.Is(err, session.ErrWorkerNotFound) {
		t.Errorf("Expected not found for dead port, got %v", err)
	}
}

func TestManager_InvalidSession(t *testing.T) {
	f := newFixture(t, 10)
	if _, err := f.manager.GetOrCreate(context.Background(), ""); !errors.Is(err, session.ErrInvalidSession) {
		t.Errorf("Expected invalid session error, got %v", err)
	}
}

func TestManager_Persistence(t *testing.T) {
	store, err := session.NewFilePersistence(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create persistence: %v", err)
	}
	f := newFixture(t, 10, session.WithPersistence(store))

	w, err := f.manager.GetOrCreate(context.Background(), "session-a")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	record, err := store.Load("session-a")
	if err != nil {
		t.Fatalf("Expected a state record: %v", err)
	}
	if len(record.Workers) != 1 || record.Workers[0].Port != w.Port || record.Workers[0].PID != w.Pid() {
		t.Errorf("Unexpected record workers: %+v", record.Workers)
	}

	if err := f.manager.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if store.Exists("session-a") {
		t.Error("Expected state record to be removed on shutdown")
	}
	if !f.launcher.Process(w.Port).Killed() {
		t.Error("Expected worker to be killed on shutdown")
	}
	if f.manager.Count() != 0 {
		t.Errorf("Expected empty pool after shutdown, got %d", f.manager.Count())
	}
}

// blockStartup holds every readiness wait until the returned release func
// runs. started receives the port of each spawn that reached the wait.
func blockStartup(f *fixture) (started <-chan int, release func()) {
	ch := make(chan int, 4)
	gate := make(chan struct{})
	f.prober.Hook = func(port int) {
		ch <- port
		<-gate
	}
	var once sync.Once
	return ch, func() { once.Do(func() { close(gate) }) }
}

func TestManager_CancelledCallerDoesNotFailSharedSpawn(t *testing.T) {
	f := newFixture(t, 10)
	started, release := blockStartup(f)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.manager.GetOrCreate(ctx, "session-a")
		firstErr <- err
	}()
	<-started

	type result struct {
		w   *worker.Worker
		err error
	}
	second := make(chan result, 1)
	go func() {
		w, err := f.manager.GetOrCreate(context.Background(), "session-a")
		second <- result{w, err}
	}()

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected the cancelled caller to return context.Canceled, got %v", err)
	}

	release()
	res := <-second
	if res.err != nil {
		t.Fatalf("Expected the other caller to get the worker, got %v", res.err)
	}
	if !res.w.Alive() {
		t.Error("Expected a live worker")
	}
	if n := len(f.launcher.Launched()); n != 1 {
		t.Errorf("Expected one spawn, got %d", n)
	}
	if f.manager.Count() != 1 {
		t.Errorf("Expected the worker to be registered, got %d", f.manager.Count())
	}
}

func TestManager_ShutdownDuringSpawn(t *testing.T) {
	f := newFixture(t, 10)
	started, release := blockStartup(f)
	defer release()

	spawnErr := make(chan error, 1)
	go func() {
		_, err := f.manager.GetOrCreate(context.Background(), "session-a")
		spawnErr <- err
	}()
	port := <-started

	if err := f.manager.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	release()

	if err := <-spawnErr; !errors.Is(err, session.ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
	if !f.launcher.Process(port).Killed() {
		t.Error("Expected the late worker to be killed")
	}
	if f.manager.Count() != 0 {
		t.Errorf("Expected empty pool after shutdown, got %d", f.manager.Count())
	}

	if _, err := f.manager.GetOrCreate(context.Background(), "session-b"); !errors.Is(err, session.ErrPoolClosed) {
		t.Errorf("Expected spawns after shutdown to fail, got %v", err)
	}
	if n := len(f.launcher.Launched()); n != 1 {
		t.Errorf("Expected no spawn after shutdown, got %d launches", n)
	}
}

func TestManager_RetiringWorkerIsReplaced(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	old, err := f.manager.GetOrCreate(ctx, "session-a")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	f.clock.Advance(time.Hour)
	if !old.TryRetire(f.clock.Now(), 30*time.Minute) {
		t.Fatal("Expected the idle worker to retire")
	}

	fresh, err := f.manager.GetOrCreate(ctx, "session-a")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if fresh == old || fresh.Port == old.Port {
		t.Fatalf("Expected a fresh worker on another port, got port %d", fresh.Port)
	}

	// Reaping the retired worker leaves the new assignment in place.
	if err := f.manager.Kill(old); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if got, err := f.manager.Get("session-a"); err != nil || got != fresh {
		t.Errorf("Expected session to keep the fresh worker, got %v (err %v)", got, err)
	}
}
