// Package notify implements the in-process signals bus and the two outbound messaging
// exchanges: every lifecycle signal (build-added, build-started, ..., buildset-finished) is
// published in-process to any subscriber and, with an identical payload, to both the
// "notifications" and "integrations_notifications" exchanges.
package notify

import (
	"context"
	"sync"

	"github.com/toxicbuild/master/common/logger"
)

// Signal names published on lifecycle transitions.
const (
	BuildAdded    = "build-added"
	BuildStarted  = "build-started"
	BuildFinished = "build-finished"
	BuildCanceled = "build-cancelled"

	StepStarted       = "step-started"
	StepFinished      = "step-finished"
	StepOutputArrived = "step-output-arrived"

	BuildSetAdded    = "buildset-added"
	BuildSetStarted  = "buildset-started"
	BuildSetFinished = "buildset-finished"
)

// Payload is a JSON-ready projection of whatever resource triggered the signal, built from that
// resource's ToDict() method.
type Payload map[string]interface{}

// Subscriber receives in-process signal deliveries. Handlers run synchronously on the emitting
// goroutine and must not block; slow work belongs on the other side of a channel the handler owns.
type Subscriber func(signal string, payload Payload)

// Exchange is one outbound messaging destination. The real implementation wraps a
// cloud.google.com/go/pubsub topic; tests substitute a recording fake.
type Exchange interface {
	Publish(ctx context.Context, signal string, payload Payload) error
	Name() string
}

// Service is the in-process signals bus plus the two outbound exchanges.
type Service struct {
	logger.Log
	mu          sync.RWMutex
	subscribers map[string][]Subscriber
	exchanges   []Exchange
	tasks       *TaskTracker
}

func NewService(logFactory logger.LogFactory, exchanges ...Exchange) *Service {
	return &Service{
		Log:         logFactory("NotifyService"),
		subscribers: make(map[string][]Subscriber),
		exchanges:   exchanges,
		tasks:       NewTaskTracker(),
	}
}

// Subscribe registers fn to be called, in-process, every time signal is emitted.
func (s *Service) Subscribe(signal string, fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[signal] = append(s.subscribers[signal], fn)
}

// Emit delivers signal to every in-process subscriber synchronously, then publishes the identical
// payload to both outbound exchanges as a fire-and-forget task retained in the task set until
// completion.
func (s *Service) Emit(ctx context.Context, signal string, payload Payload) {
	s.mu.RLock()
	subs := append([]Subscriber(nil), s.subscribers[signal]...)
	exchanges := append([]Exchange(nil), s.exchanges...)
	s.mu.RUnlock()

	for _, sub := range subs {
		sub(signal, payload)
	}

	for _, ex := range exchanges {
		ex := ex
		s.tasks.Go(func() {
			err := ex.Publish(ctx, signal, payload)
			if err != nil {
				s.WithFields(logger.Fields{"exchange": ex.Name(), "signal": signal}).Errorf("error publishing notification: %v", err)
			}
		})
	}
}

// Shutdown blocks until every in-flight publish task completes.
func (s *Service) Shutdown() {
	s.tasks.Wait()
}

// TaskTracker retains fire-and-forget goroutines until they complete, so a publish still in
// flight at shutdown is waited on rather than abandoned.
type TaskTracker struct {
	wg sync.WaitGroup
}

func NewTaskTracker() *TaskTracker {
	return &TaskTracker{}
}

// Go launches fn in its own goroutine, retained by the tracker until fn returns.
func (t *TaskTracker) Go(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

// Wait blocks until every task launched via Go has completed.
func (t *TaskTracker) Wait() {
	t.wg.Wait()
}
