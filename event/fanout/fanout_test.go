package fanout_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flexrun/orchestrator/event"
	"github.com/flexrun/orchestrator/event/fanout"
	"github.com/flexrun/orchestrator/event/memory"
)

func TestHubForwardsToBaseAndSubscribers(t *testing.T) {
	base := memory.New()
	hub := fanout.New(base)

	subA := memory.New()
	subB := memory.New()
	detachA := hub.Attach("run-1", subA)
	detachB := hub.Attach("run-2", subB)
	defer detachA()
	defer detachB()

	require.NoError(t, hub.Send(context.Background(), event.Event{RunID: "run-1", Type: event.TypeStart}))
	require.NoError(t, hub.Send(context.Background(), event.Event{RunID: "run-2", Type: event.TypeStart}))

	require.Len(t, base.Events(), 2, "base sink receives every run's events")
	require.Len(t, subA.Events(), 1, "run-1 subscriber only sees run-1 events")
	require.Len(t, subB.Events(), 1, "run-2 subscriber only sees run-2 events")
}

func TestHubDetachStopsDelivery(t *testing.T) {
	hub := fanout.New(nil)
	sub := memory.New()
	detach := hub.Attach("run-1", sub)

	require.NoError(t, hub.Send(context.Background(), event.Event{RunID: "run-1", Type: event.TypeStart}))
	require.Len(t, sub.Events(), 1)

	detach()
	require.NoError(t, hub.Send(context.Background(), event.Event{RunID: "run-1", Type: event.TypeComplete}))
	require.Len(t, sub.Events(), 1, "detached subscriber stops receiving events")
}

func TestHubWithoutBaseStillDeliversToSubscribers(t *testing.T) {
	hub := fanout.New(nil)
	sub := memory.New()
	defer hub.Attach("run-1", sub)()

	require.NoError(t, hub.Send(context.Background(), event.Event{RunID: "run-1", Type: event.TypeStart}))
	require.Len(t, sub.Events(), 1)
}
