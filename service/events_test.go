package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusInvokesHandlersInOrder(t *testing.T) {
	bus := NewBus(nil)
	var calls []string
	bus.On("ping", func(payload interface{}) { calls = append(calls, "a:"+payload.(string)) })
	bus.On("ping", func(payload interface{}) { calls = append(calls, "b:"+payload.(string)) })
	bus.On("other", func(payload interface{}) { calls = append(calls, "other") })

	bus.Emit("ping", "1")
	assert.Equal(t, []string{"a:1", "b:1"}, calls)

	bus.Emit("unknown", nil)
	assert.Len(t, calls, 2)
}

func TestBusRecoversFromHandlerPanic(t *testing.T) {
	bus := NewBus(nil)
	called := false
	bus.On("ping", func(interface{}) { panic("boom") })
	bus.On("ping", func(interface{}) { called = true })

	assert.NotPanics(t, func() { bus.Emit("ping", nil) })
	assert.True(t, called)
}

func TestBusHandlerMayRegisterDuringEmit(t *testing.T) {
	bus := NewBus(nil)
	count := 0
	bus.On("ping", func(interface{}) {
		count++
		bus.On("ping", func(interface{}) { count++ })
	})

	bus.Emit("ping", nil)
	assert.Equal(t, 1, count)
	bus.Emit("ping", nil)
	assert.Equal(t, 3, count)
}
