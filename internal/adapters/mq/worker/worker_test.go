package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	queue "github.com/okian/pbengine/internal/adapters/mq/queue"
	worker "github.com/okian/pbengine/internal/adapters/mq/worker"
	"github.com/okian/pbengine/internal/domain/gamemode"
	model "github.com/okian/pbengine/internal/domain/model"
	logging "github.com/okian/pbengine/pkg/logger"
)

type call struct {
	mode     gamemode.Mode
	userID   string
	chartIDs []string
}

type mockProcessor struct {
	mu     sync.Mutex
	calls  []call
	errFor map[string]error
	delay  time.Duration
}

func newMockProcessor() *mockProcessor {
	return &mockProcessor{errFor: make(map[string]error)}
}

func (m *mockProcessor) Process(ctx context.Context, mode gamemode.Mode, userID string, chartIDs []string) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{mode: mode, userID: userID, chartIDs: chartIDs})
	return m.errFor[userID]
}

func (m *mockProcessor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockProcessor) users() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for _, c := range m.calls {
		out[c.userID] = true
	}
	return out
}

func event(id, user string) model.ImportEvent {
	return model.ImportEvent{ImportID: id, UserID: user, Game: "iidx", Playtype: "SP", ChartIDs: []string{"c1", "c2"}}
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a worker reading an in-memory queue", t, func() {
		_ = logging.Init()

		q := queue.NewInMemoryQueue(queue.WithCapacity(16))
		proc := newMockProcessor()
		w := worker.NewInMemoryWorker(q, proc, worker.WithName("test-worker"), worker.WithLogger(logging.Nop()))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		convey.Convey("When an import is enqueued", func() {
			q.Enqueue(ctx, event("imp-1", "u1"))

			convey.Convey("Then the pipeline runs with its mode, user and charts", func() {
				convey.So(waitFor(func() bool { return proc.callCount() == 1 }), convey.ShouldBeTrue)
				proc.mu.Lock()
				got := proc.calls[0]
				proc.mu.Unlock()
				convey.So(got.mode, convey.ShouldResemble, gamemode.Mode{Game: "iidx", Playtype: "SP"})
				convey.So(got.userID, convey.ShouldEqual, "u1")
				convey.So(got.chartIDs, convey.ShouldResemble, []string{"c1", "c2"})
			})
		})

		convey.Convey("When one import fails", func() {
			proc.errFor["bad"] = errors.New("pipeline failed")
			q.Enqueue(ctx, event("imp-1", "bad"))
			q.Enqueue(ctx, event("imp-2", "good"))

			convey.Convey("Then later imports are still processed", func() {
				convey.So(waitFor(func() bool { return proc.callCount() == 2 }), convey.ShouldBeTrue)
				convey.So(proc.users()["good"], convey.ShouldBeTrue)
			})
		})

		convey.Convey("When the queue closes", func() {
			_ = q.Close()

			convey.Convey("Then the worker stops", func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
				defer shutdownCancel()
				convey.So(w.Shutdown(shutdownCtx), convey.ShouldBeNil)
				convey.So(w.Shutdown(shutdownCtx), convey.ShouldBeNil)
			})
		})
	})
}

func TestWorkerProcessTimeout(t *testing.T) {
	convey.Convey("Given a slow pipeline and a short process timeout", t, func() {
		q := queue.NewInMemoryQueue()
		proc := newMockProcessor()
		proc.delay = time.Second
		w := worker.NewInMemoryWorker(q, proc, worker.WithProcessTimeout(20*time.Millisecond), worker.WithLogger(logging.Nop()))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		start := time.Now()
		q.Enqueue(ctx, event("imp-1", "u1"))
		q.Enqueue(ctx, event("imp-2", "u2"))
		_ = q.Close()

		convey.Convey("Then each import is abandoned at the deadline", func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			convey.So(waitFor(func() bool { return q.Len(ctx) == 0 }), convey.ShouldBeTrue)
			convey.So(w.Shutdown(shutdownCtx), convey.ShouldBeNil)
			convey.So(time.Since(start), convey.ShouldBeLessThan, time.Second)
			convey.So(proc.callCount(), convey.ShouldEqual, 0)
		})
	})
}

func TestWorkerPool(t *testing.T) {
	convey.Convey("Given a pool of four workers", t, func() {
		_ = logging.Init()

		q := queue.NewInMemoryQueue(queue.WithCapacity(100))
		proc := newMockProcessor()
		pool := worker.NewPool(4, q, proc, worker.WithLogger(logging.Nop()))
		convey.So(pool.Size(), convey.ShouldEqual, 4)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		pool.Start(ctx)

		convey.Convey("When many imports are queued and the pool shuts down", func() {
			users := []string{"u0", "u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8", "u9"}
			for i, u := range users {
				convey.So(q.Enqueue(ctx, event("imp-"+u, users[i])), convey.ShouldBeTrue)
			}
			convey.So(waitFor(func() bool { return proc.callCount() == len(users) }), convey.ShouldBeTrue)

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
			defer shutdownCancel()
			err := pool.Shutdown(shutdownCtx)

			convey.Convey("Then every import was processed exactly once", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(proc.callCount(), convey.ShouldEqual, len(users))
				convey.So(proc.users(), convey.ShouldHaveLength, len(users))
				convey.So(q.IsClosed(), convey.ShouldBeTrue)
			})
		})
	})

	convey.Convey("Given a pool created with a non-positive size", t, func() {
		pool := worker.NewPool(0, queue.NewInMemoryQueue(), newMockProcessor())
		convey.So(pool.Size(), convey.ShouldBeGreaterThan, 0)
	})
}
