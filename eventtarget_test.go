package prioritask

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTarget_DispatchEvent_CallsListenersInOrder(t *testing.T) {
	et := NewEventTarget()
	var order []int

	et.AddEventListener("tick", func(e *Event) { order = append(order, 1) })
	et.AddEventListener("tick", func(e *Event) { order = append(order, 2) })

	et.DispatchEvent(NewEvent("tick"))
	assert.Equal(t, []int{1, 2}, order)
}

func TestEventTarget_DispatchEvent_SetsTarget(t *testing.T) {
	et := NewEventTarget()
	var gotTarget *EventTarget

	et.AddEventListener("tick", func(e *Event) { gotTarget = e.Target })
	et.DispatchEvent(NewEvent("tick"))

	assert.Same(t, et, gotTarget)
}

func TestEventTarget_DispatchEvent_NilEventIsNoop(t *testing.T) {
	et := NewEventTarget()
	called := false
	et.AddEventListener("tick", func(e *Event) { called = true })

	assert.NotPanics(t, func() { et.DispatchEvent(nil) })
	assert.False(t, called)
}

func TestEventTarget_AddEventListener_NilListenerIgnored(t *testing.T) {
	et := NewEventTarget()
	assert.Equal(t, ListenerID(0), et.AddEventListener("tick", nil))
	assert.False(t, et.HasEventListeners("tick"))
}

func TestEventTarget_RemoveEventListenerByID(t *testing.T) {
	et := NewEventTarget()
	count := 0

	id := et.AddEventListener("tick", func(e *Event) { count++ })
	require.True(t, et.RemoveEventListenerByID("tick", id))

	et.DispatchEvent(NewEvent("tick"))
	assert.Equal(t, 0, count)
}

func TestEventTarget_RemoveEventListenerByID_UnknownIDReturnsFalse(t *testing.T) {
	et := NewEventTarget()
	assert.False(t, et.RemoveEventListenerByID("tick", 99))

	et.AddEventListener("tick", func(e *Event) {})
	assert.False(t, et.RemoveEventListenerByID("tick", 99))
}

func TestEventTarget_HasEventListeners(t *testing.T) {
	et := NewEventTarget()
	assert.False(t, et.HasEventListeners("tick"))

	et.AddEventListener("tick", func(e *Event) {})
	assert.True(t, et.HasEventListeners("tick"))
}

func TestEvent_Detail_RoundTrips(t *testing.T) {
	et := NewEventTarget()
	var gotDetail any

	et.AddEventListener("prioritychange", func(e *Event) { gotDetail = e.Detail() })
	et.DispatchEvent(&Event{Type: "prioritychange", detail: PriorityBackground})

	assert.Equal(t, PriorityBackground, gotDetail)
}
