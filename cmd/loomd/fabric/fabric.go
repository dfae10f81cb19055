package fabric

import (
	"context"
	"sync"
	"time"

	"github.com/loomflow/loomflow/common/config"
	"github.com/loomflow/loomflow/common/models"
)

// Logger is the logging capability the fabric needs.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

const subscriberBuffer = 256

// Subscription is one consumer's view of an event stream. Events holds
// replayed history followed by live events; it is closed when the room
// is swept or the subscription is dropped.
type Subscription struct {
	Events chan models.ExecutionEvent

	id          int
	executionID string
	workflowID  string
}

// room buffers one execution's recent events.
type room struct {
	executionID string
	workflowID  string
	buffer      []models.ExecutionEvent
	terminalAt  time.Time
	createdAt   time.Time
	subs        map[int]*Subscription
}

// Fabric is the in-process realtime event layer. Each execution gets a
// bounded ring of recent events; subscribers receive the buffered
// history and then live events with no gap. Rooms for finished
// executions are swept after the retention window.
type Fabric struct {
	cfg config.FabricConfig
	log Logger

	mu           sync.Mutex
	rooms        map[string]*room // keyed by execution id
	order        []string         // execution ids, oldest first
	workflowSubs map[string]map[int]*Subscription
	nextSubID    int
}

// New creates a fabric
func New(cfg config.FabricConfig, log Logger) *Fabric {
	return &Fabric{
		cfg:          cfg,
		log:          log,
		rooms:        make(map[string]*room),
		workflowSubs: make(map[string]map[int]*Subscription),
	}
}

// Start launches the retention sweeper. Returns immediately.
func (f *Fabric) Start(ctx context.Context) {
	go f.sweepLoop(ctx)
}

// Publish buffers the event and fans it out to execution and workflow
// subscribers. Implements the engine's EventPublisher.
func (f *Fabric) Publish(event models.ExecutionEvent) {
	if event.ExecutionID == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	f.mu.Lock()

	r, exists := f.rooms[event.ExecutionID]
	if !exists {
		r = &room{
			executionID: event.ExecutionID,
			workflowID:  event.WorkflowID,
			createdAt:   time.Now(),
			subs:        make(map[int]*Subscription),
		}
		f.rooms[event.ExecutionID] = r
		f.order = append(f.order, event.ExecutionID)
		f.evictOverflowLocked()
	}
	if r.workflowID == "" {
		r.workflowID = event.WorkflowID
	}

	r.buffer = append(r.buffer, event)
	if len(r.buffer) > f.cfg.EventsPerExecution {
		r.buffer = r.buffer[len(r.buffer)-f.cfg.EventsPerExecution:]
	}
	if event.Type.IsTerminal() {
		r.terminalAt = event.Timestamp
	}

	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	workflowID := event.WorkflowID
	if workflowID == "" {
		workflowID = r.workflowID
	}
	for _, sub := range f.workflowSubs[workflowID] {
		subs = append(subs, sub)
	}

	f.mu.Unlock()

	for _, sub := range subs {
		f.deliver(sub, event)
	}
}

// deliver is non-blocking: a subscriber that cannot keep up loses events
// rather than stalling the publisher.
func (f *Fabric) deliver(sub *Subscription, event models.ExecutionEvent) {
	select {
	case sub.Events <- event:
	default:
		f.log.Warn("dropping event for slow subscriber",
			"execution_id", event.ExecutionID, "type", string(event.Type))
	}
}

// evictOverflowLocked drops the oldest execution rooms beyond the cap.
// Caller holds f.mu.
func (f *Fabric) evictOverflowLocked() {
	for len(f.order) > f.cfg.MaxExecutions {
		oldest := f.order[0]
		f.order = f.order[1:]
		f.closeRoomLocked(oldest)
	}
}

func (f *Fabric) closeRoomLocked(executionID string) {
	r, ok := f.rooms[executionID]
	if !ok {
		return
	}
	delete(f.rooms, executionID)
	for _, sub := range r.subs {
		close(sub.Events)
	}
}

// Subscribe attaches to an execution's stream. Buffered history is
// queued into the channel before any live event; for executions the
// fabric never saw, the stream starts empty and fills as events arrive.
func (f *Fabric) Subscribe(executionID string) *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, exists := f.rooms[executionID]
	if !exists {
		r = &room{
			executionID: executionID,
			createdAt:   time.Now(),
			subs:        make(map[int]*Subscription),
		}
		f.rooms[executionID] = r
		f.order = append(f.order, executionID)
		f.evictOverflowLocked()
	}

	f.nextSubID++
	sub := &Subscription{
		Events:      make(chan models.ExecutionEvent, subscriberBuffer+f.cfg.EventsPerExecution),
		id:          f.nextSubID,
		executionID: executionID,
	}

	// Replay happens under the lock, so no live event can interleave
	for _, event := range r.buffer {
		sub.Events <- event
	}
	r.subs[sub.id] = sub

	return sub
}

// SubscribeWorkflow attaches to the live stream of every execution of a
// workflow. No replay.
func (f *Fabric) SubscribeWorkflow(workflowID string) *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextSubID++
	sub := &Subscription{
		Events:     make(chan models.ExecutionEvent, subscriberBuffer),
		id:         f.nextSubID,
		workflowID: workflowID,
	}

	subs, ok := f.workflowSubs[workflowID]
	if !ok {
		subs = make(map[int]*Subscription)
		f.workflowSubs[workflowID] = subs
	}
	subs[sub.id] = sub

	return sub
}

// Unsubscribe detaches a subscription and closes its channel.
func (f *Fabric) Unsubscribe(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if sub.workflowID != "" {
		subs := f.workflowSubs[sub.workflowID]
		if _, ok := subs[sub.id]; !ok {
			return
		}
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(f.workflowSubs, sub.workflowID)
		}
		close(sub.Events)
		return
	}

	r, ok := f.rooms[sub.executionID]
	if !ok {
		return
	}
	if _, ok := r.subs[sub.id]; !ok {
		return
	}
	delete(r.subs, sub.id)
	close(sub.Events)
}

// RoomCount returns the number of live execution rooms.
func (f *Fabric) RoomCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rooms)
}

func (f *Fabric) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.sweep(time.Now())
		}
	}
}

// sweep expires buffered events older than the retention window, then
// drops rooms whose execution finished more than the window ago. Events
// inside a still-running execution age out individually.
func (f *Fabric) sweep(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	kept := f.order[:0]
	for _, executionID := range f.order {
		r, ok := f.rooms[executionID]
		if !ok {
			continue
		}

		live := r.buffer[:0]
		for _, event := range r.buffer {
			if now.Sub(event.Timestamp) <= f.cfg.Retention {
				live = append(live, event)
			}
		}
		r.buffer = live

		if !r.terminalAt.IsZero() && now.Sub(r.terminalAt) > f.cfg.Retention {
			f.closeRoomLocked(executionID)
			continue
		}
		kept = append(kept, executionID)
	}
	f.order = kept
}
