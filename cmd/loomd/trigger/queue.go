package trigger

import (
	"time"

	"github.com/loomflow/loomflow/common/models"
)

// queuedTrigger is a trigger waiting for admission. The workflow is
// retained so the execution can start later without another lookup.
type queuedTrigger struct {
	context    *models.TriggerContext
	workflow   *models.Workflow
	enqueuedAt time.Time
}

// triggerQueue orders waiting triggers by priority (lower value first).
// Insertion is stable: equal priorities keep arrival order.
type triggerQueue struct {
	items []*queuedTrigger
}

func newTriggerQueue() *triggerQueue {
	return &triggerQueue{}
}

func (q *triggerQueue) len() int {
	return len(q.items)
}

// push inserts the trigger after all entries with priority <= its own
func (q *triggerQueue) push(item *queuedTrigger) {
	pos := len(q.items)
	for i, existing := range q.items {
		if existing.context.Priority > item.context.Priority {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = item
}

// pop removes and returns the highest-priority trigger, or nil
func (q *triggerQueue) pop() *queuedTrigger {
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item
}

// peekAt returns the item at index i without removing it
func (q *triggerQueue) peekAt(i int) *queuedTrigger {
	return q.items[i]
}

// removeAt removes the item at index i
func (q *triggerQueue) removeAt(i int) *queuedTrigger {
	item := q.items[i]
	q.items = append(q.items[:i], q.items[i+1:]...)
	return item
}

// remove drops the trigger with the given execution id, if queued
func (q *triggerQueue) remove(executionID string) *queuedTrigger {
	for i, item := range q.items {
		if item.context.ExecutionID == executionID {
			return q.removeAt(i)
		}
	}
	return nil
}

// evictLowestPriority removes the entry with the numerically highest
// priority value (the least urgent). The queue is sorted, so that is the
// last element.
func (q *triggerQueue) evictLowestPriority() *queuedTrigger {
	if len(q.items) == 0 {
		return nil
	}
	last := len(q.items) - 1
	item := q.items[last]
	q.items = q.items[:last]
	return item
}

// expire removes every entry enqueued before the cutoff
func (q *triggerQueue) expire(cutoff time.Time) []*queuedTrigger {
	var expired []*queuedTrigger
	kept := q.items[:0]
	for _, item := range q.items {
		if item.enqueuedAt.Before(cutoff) {
			expired = append(expired, item)
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	return expired
}
