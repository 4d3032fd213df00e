package pool

import (
	"container/heap"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func popAll(t *testing.T, h *taskHeap) []string {
	t.Helper()
	names := make([]string, 0, h.Len())
	for h.Len() > 0 {
		names = append(names, heap.Pop(h).(*ScheduledTask).Name)
	}
	return names
}

func TestHeapOrdersByPriority(t *testing.T) {
	now := time.Now()
	h := &taskHeap{}
	heap.Push(h, &ScheduledTask{Name: "low", Priority: PriorityLow, ScheduledAt: now, seq: 1})
	heap.Push(h, &ScheduledTask{Name: "critical", Priority: PriorityCritical, ScheduledAt: now, seq: 2})
	heap.Push(h, &ScheduledTask{Name: "normal", Priority: PriorityNormal, ScheduledAt: now, seq: 3})
	heap.Push(h, &ScheduledTask{Name: "background", Priority: PriorityBackground, ScheduledAt: now, seq: 4})
	heap.Push(h, &ScheduledTask{Name: "high", Priority: PriorityHigh, ScheduledAt: now, seq: 5})

	require.Equal(t, []string{"critical", "high", "normal", "low", "background"}, popAll(t, h))
}

func TestHeapOrdersByScheduledAtWithinPriority(t *testing.T) {
	now := time.Now()
	h := &taskHeap{}
	heap.Push(h, &ScheduledTask{Name: "later", Priority: PriorityNormal, ScheduledAt: now.Add(time.Second), seq: 1})
	heap.Push(h, &ScheduledTask{Name: "sooner", Priority: PriorityNormal, ScheduledAt: now, seq: 2})

	require.Equal(t, []string{"sooner", "later"}, popAll(t, h))
}

func TestHeapFIFOAmongEquals(t *testing.T) {
	now := time.Now()
	h := &taskHeap{}
	heap.Push(h, &ScheduledTask{Name: "first", Priority: PriorityNormal, ScheduledAt: now, seq: 1})
	heap.Push(h, &ScheduledTask{Name: "second", Priority: PriorityNormal, ScheduledAt: now, seq: 2})
	heap.Push(h, &ScheduledTask{Name: "third", Priority: PriorityNormal, ScheduledAt: now, seq: 3})

	require.Equal(t, []string{"first", "second", "third"}, popAll(t, h))
}
