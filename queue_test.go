package prioritask

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_PushTakeNext_FIFO(t *testing.T) {
	var q queue
	a := &Task{}
	b := &Task{}
	c := &Task{}

	q.push(a)
	q.push(b)
	q.push(c)

	require.Equal(t, 3, q.len())
	assert.Less(t, a.Sequence, b.Sequence)
	assert.Less(t, b.Sequence, c.Sequence)

	assert.Same(t, a, q.takeNext())
	assert.Same(t, b, q.takeNext())
	assert.Same(t, c, q.takeNext())
	assert.Nil(t, q.takeNext())
	assert.True(t, q.empty())
}

func TestQueue_Remove_Middle(t *testing.T) {
	var q queue
	a, b, c := &Task{}, &Task{}, &Task{}
	q.push(a)
	q.push(b)
	q.push(c)

	q.remove(b)
	require.Equal(t, 2, q.len())

	assert.Same(t, a, q.takeNext())
	assert.Same(t, c, q.takeNext())
	assert.Nil(t, q.takeNext())
}

func TestQueue_Remove_HeadAndTail(t *testing.T) {
	var q queue
	a, b := &Task{}, &Task{}
	q.push(a)
	q.push(b)

	q.remove(a)
	assert.Same(t, b, q.head)
	assert.Same(t, b, q.tail)

	q.remove(b)
	assert.True(t, q.empty())
	assert.Nil(t, q.tail)
}

func TestQueue_Merge_PreservesSequenceOrder(t *testing.T) {
	var source, dest queue

	signal := &PrioritySignal{}
	other := &PrioritySignal{}

	t1 := &Task{signal: signal}
	t2 := &Task{signal: other}
	t3 := &Task{signal: signal}
	t4 := &Task{signal: signal}

	source.push(t1)
	source.push(t2)
	source.push(t3)
	source.push(t4)

	existing := &Task{signal: signal}
	dest.push(existing)

	dest.merge(&source, func(t *Task) bool { return t.signal == signal })

	require.Equal(t, 1, source.len())
	assert.Same(t, t2, source.head)

	require.Equal(t, 4, dest.len())
	var order []*Task
	for task := dest.head; task != nil; task = task.next {
		order = append(order, task)
	}
	// existing was pushed after t1..t4, so it carries the highest sequence id
	// and the merged tasks land ahead of it.
	assert.Equal(t, []*Task{t1, t3, t4, existing}, order)
}

func TestQueue_Merge_EmptySourceNoOp(t *testing.T) {
	var source, dest queue
	existing := &Task{}
	dest.push(existing)

	dest.merge(&source, func(*Task) bool { return true })

	assert.Equal(t, 1, dest.len())
}

func TestQueue_Push_NilTaskPanics(t *testing.T) {
	var q queue
	assert.Panics(t, func() { q.push(nil) })
}
