package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// EventRunFrame carries one wire-protocol frame for observers. The
// payload is the same frame the watching client receives on its NDJSON
// stream, so dashboards replay the exact client timeline.
const EventRunFrame = "run.frame"

// BroadcastEvent marshals a typed payload and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}

// Observer returns a progress sink that mirrors every frame to all
// connected observers. Emit never fails; a hub with no connections is a
// no-op.
func (h *Hub) Observer() *ObserverSink {
	return &ObserverSink{hub: h}
}

// ObserverSink adapts the hub to the progress.Sink port.
type ObserverSink struct {
	hub *Hub
}

// Emit broadcasts the frame to all observers.
func (o *ObserverSink) Emit(ctx context.Context, frame any) error {
	o.hub.BroadcastEvent(ctx, EventRunFrame, frame)
	return nil
}
