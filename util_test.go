package docstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestHandleError(t *testing.T) {
	ran := false
	HandleError(func() {
		ran = true
	})
	assert.Equal(t, true, ran)

	// a panic is contained and dispatched to the handlers
	var handled error
	cleaned := false
	HandleError(func() {
		panic(fmt.Errorf("boom"))
	}, func(err error) {
		handled = err
	}, func() {
		cleaned = true
	})
	assert.NotEqual(t, nil, handled)
	assert.Equal(t, "boom", handled.Error())
	assert.Equal(t, true, cleaned)

	// a non error panic value is wrapped
	HandleError(func() {
		panic("bad")
	}, func(err error) {
		handled = err
	})
	assert.Equal(t, "bad", handled.Error())
}

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[int]()
	assert.Equal(t, []int{}, callbacks.Get())

	aId := callbacks.Add(1)
	bId := callbacks.Add(2)
	cId := callbacks.Add(3)

	// registration order
	assert.Equal(t, []int{1, 2, 3}, callbacks.Get())

	callbacks.Remove(bId)
	assert.Equal(t, []int{1, 3}, callbacks.Get())

	// removing an unknown id is a no-op
	callbacks.Remove(NewId())
	assert.Equal(t, []int{1, 3}, callbacks.Get())

	callbacks.Remove(aId)
	callbacks.Remove(cId)
	assert.Equal(t, []int{}, callbacks.Get())
}

func TestMonitor(t *testing.T) {
	timeout := 5 * time.Second

	monitor := NewMonitor()

	notify := monitor.NotifyChannel()
	select {
	case <-notify:
		t.FailNow()
	default:
	}

	monitor.NotifyAll()
	select {
	case <-notify:
	case <-time.After(timeout):
		t.FailNow()
	}

	// a channel taken after the notify waits for the next one
	notify = monitor.NotifyChannel()
	select {
	case <-notify:
		t.FailNow()
	default:
	}
	monitor.NotifyAll()
	select {
	case <-notify:
	case <-time.After(timeout):
		t.FailNow()
	}
}

func TestIdleCondition(t *testing.T) {
	idleCondition := NewIdleCondition()

	// work since the checkpoint blocks the close
	checkpointId := idleCondition.Checkpoint()
	assert.Equal(t, true, idleCondition.UpdateOpen())
	assert.Equal(t, false, idleCondition.Close(checkpointId))
	idleCondition.UpdateClose()
	assert.Equal(t, false, idleCondition.Close(checkpointId))

	// a quiet checkpoint closes, and closed stays closed
	checkpointId = idleCondition.Checkpoint()
	assert.Equal(t, true, idleCondition.Close(checkpointId))
	assert.Equal(t, false, idleCondition.UpdateOpen())
}

func TestReconnect(t *testing.T) {
	timeout := 5 * time.Second

	// the window starts at creation
	reconnect := NewReconnect(50 * time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	select {
	case <-reconnect.After():
	default:
		t.FailNow()
	}

	reconnect = NewReconnect(50 * time.Millisecond)
	select {
	case <-reconnect.After():
	case <-time.After(timeout):
		t.FailNow()
	}
}
