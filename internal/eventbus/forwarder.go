package eventbus

import (
	"context"
	"log/slog"

	"github.com/kazz187/browserd/internal/callback"
)

// StatusSender is the part of the callback client the forwarder needs.
type StatusSender interface {
	SendStatusUpdate(ctx context.Context, u callback.StatusUpdate) bool
}

var progressByStatus = map[string]int{
	"pending":   0,
	"running":   10,
	"completed": 100,
	"failed":    100,
}

// StatusForwarder relays task status changes carrying a project and flow to
// the callback API as advisory status updates.
type StatusForwarder struct {
	bus    *Bus
	sender StatusSender
}

func NewStatusForwarder(bus *Bus, sender StatusSender) *StatusForwarder {
	return &StatusForwarder{bus: bus, sender: sender}
}

// Start blocks until ctx is cancelled.
func (f *StatusForwarder) Start(ctx context.Context) {
	subID, ch := f.bus.Subscribe(256)
	defer f.bus.Unsubscribe(subID)

	slog.InfoContext(ctx, "status forwarder started")
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "status forwarder stopped")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *StatusForwarder) forward(ctx context.Context, ev *Event) {
	if ev.Type != TaskStatusChanged {
		return
	}
	projectID, flowID := ev.Metadata["project_id"], ev.Metadata["flow_id"]
	if projectID == "" || flowID == "" {
		return
	}
	status := ev.Metadata["status"]
	f.sender.SendStatusUpdate(ctx, callback.StatusUpdate{
		ProjectID: projectID,
		FlowID:    flowID,
		Status:    status,
		Progress:  progressByStatus[status],
		Message:   ev.Metadata["message"],
	})
}
