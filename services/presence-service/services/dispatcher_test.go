package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"chorus/presence-service/utils"
)

func TestDispatcherRunsHandlersInOrder(t *testing.T) {
	d := NewDispatcher(utils.NewNopLogger())

	var calls []string
	d.On(EventConnected, func(_ context.Context, ev Event) error {
		calls = append(calls, "first:"+ev.UserID)
		return errors.New("boom")
	})
	d.On(EventConnected, func(_ context.Context, ev Event) error {
		calls = append(calls, "second:"+ev.UserID)
		return nil
	})
	d.On(EventDisconnected, func(_ context.Context, _ Event) error {
		calls = append(calls, "disconnect")
		return nil
	})

	failed := d.Dispatch(context.Background(), Event{Kind: EventConnected, UserID: "alice"})

	assert.Equal(t, 1, failed)
	assert.Equal(t, []string{"first:alice", "second:alice"}, calls)
}

func TestDispatcherUnknownKind(t *testing.T) {
	d := NewDispatcher(utils.NewNopLogger())
	assert.Equal(t, 0, d.Dispatch(context.Background(), Event{Kind: EventPresenceChanged}))
}
