package fabric

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomflow/loomflow/common/config"
	"github.com/loomflow/loomflow/common/logger"
	"github.com/loomflow/loomflow/common/models"
)

func testFabric(t *testing.T, cfg config.FabricConfig) *Fabric {
	t.Helper()
	return New(cfg, logger.New("error", "json"))
}

func defaultFabricConfig() config.FabricConfig {
	return config.FabricConfig{
		EventsPerExecution: 20,
		MaxExecutions:      100,
		Retention:          60 * time.Second,
		SweepInterval:      5 * time.Second,
	}
}

func event(executionID string, eventType models.EventType, seq int) models.ExecutionEvent {
	return models.ExecutionEvent{
		ExecutionID: executionID,
		WorkflowID:  "wf-1",
		Type:        eventType,
		Data:        map[string]interface{}{"seq": seq},
		Timestamp:   time.Now(),
	}
}

func drain(sub *Subscription) []models.ExecutionEvent {
	var events []models.ExecutionEvent
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestSubscribeReplaysHistoryThenLive(t *testing.T) {
	f := testFabric(t, defaultFabricConfig())

	f.Publish(event("exec-1", models.EventStarted, 0))
	f.Publish(event("exec-1", models.EventNodeStarted, 1))

	sub := f.Subscribe("exec-1")
	defer f.Unsubscribe(sub)

	f.Publish(event("exec-1", models.EventNodeCompleted, 2))

	events := drain(sub)
	require.Len(t, events, 3)
	assert.Equal(t, models.EventStarted, events[0].Type)
	assert.Equal(t, models.EventNodeStarted, events[1].Type)
	assert.Equal(t, models.EventNodeCompleted, events[2].Type)
}

func TestRingBufferBoundsEventsPerExecution(t *testing.T) {
	cfg := defaultFabricConfig()
	cfg.EventsPerExecution = 5
	f := testFabric(t, cfg)

	for i := 0; i < 12; i++ {
		f.Publish(event("exec-1", models.EventNodeStatusUpdate, i))
	}

	events := drain(f.Subscribe("exec-1"))
	require.Len(t, events, 5)
	// Oldest events were overwritten
	assert.Equal(t, 7, events[0].Data["seq"])
	assert.Equal(t, 11, events[4].Data["seq"])
}

func TestExecutionRoomsEvictFIFO(t *testing.T) {
	cfg := defaultFabricConfig()
	cfg.MaxExecutions = 3
	f := testFabric(t, cfg)

	for i := 0; i < 5; i++ {
		f.Publish(event(fmt.Sprintf("exec-%d", i), models.EventStarted, i))
	}

	assert.Equal(t, 3, f.RoomCount())

	// The oldest rooms lost their history
	assert.Empty(t, drain(f.Subscribe("exec-0")))
	assert.Empty(t, drain(f.Subscribe("exec-1")))
	assert.Len(t, drain(f.Subscribe("exec-4")), 1)
}

func TestWorkflowSubscriptionReceivesLiveOnly(t *testing.T) {
	f := testFabric(t, defaultFabricConfig())

	f.Publish(event("exec-1", models.EventStarted, 0))

	sub := f.SubscribeWorkflow("wf-1")
	defer f.Unsubscribe(sub)

	f.Publish(event("exec-1", models.EventCompleted, 1))
	f.Publish(event("exec-2", models.EventStarted, 2))

	events := drain(sub)
	require.Len(t, events, 2)
	assert.Equal(t, "exec-1", events[0].ExecutionID)
	assert.Equal(t, "exec-2", events[1].ExecutionID)
}

func TestSweepDropsFinishedRoomsAfterRetention(t *testing.T) {
	cfg := defaultFabricConfig()
	cfg.Retention = 50 * time.Millisecond
	f := testFabric(t, cfg)

	f.Publish(event("done", models.EventStarted, 0))
	f.Publish(event("done", models.EventCompleted, 1))
	f.Publish(event("running", models.EventStarted, 2))

	sub := f.Subscribe("done")

	// Before retention elapses nothing is swept
	f.sweep(time.Now())
	assert.Equal(t, 2, f.RoomCount())

	f.sweep(time.Now().Add(100 * time.Millisecond))
	assert.Equal(t, 1, f.RoomCount())

	// Sweeping closes the room's subscriptions
	drain(sub)
	_, open := <-sub.Events
	assert.False(t, open)
}

func TestSweepExpiresOldEventsInRunningExecution(t *testing.T) {
	cfg := defaultFabricConfig()
	cfg.Retention = 50 * time.Millisecond
	f := testFabric(t, cfg)

	old := event("exec-1", models.EventStarted, 0)
	old.Timestamp = time.Now().Add(-time.Second)
	f.Publish(old)
	f.Publish(event("exec-1", models.EventNodeStatusUpdate, 1))

	f.sweep(time.Now())

	// The stale event aged out; the room and the fresh event survive
	assert.Equal(t, 1, f.RoomCount())
	events := drain(f.Subscribe("exec-1"))
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Data["seq"])
}

func TestTerminalEventIsLastInBuffer(t *testing.T) {
	f := testFabric(t, defaultFabricConfig())

	f.Publish(event("exec-1", models.EventStarted, 0))
	f.Publish(event("exec-1", models.EventNodeCompleted, 1))
	f.Publish(event("exec-1", models.EventCompleted, 2))

	events := drain(f.Subscribe("exec-1"))
	require.NotEmpty(t, events)
	assert.True(t, events[len(events)-1].Type.IsTerminal())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	f := testFabric(t, defaultFabricConfig())

	sub := f.Subscribe("exec-1")
	f.Unsubscribe(sub)
	_, open := <-sub.Events
	assert.False(t, open)

	// Publishing after unsubscribe must not panic
	f.Publish(event("exec-1", models.EventStarted, 0))
}
