package websocket

import (
	"encoding/json"

	"github.com/netopslab/fwupgrade/internal/upgrade"
	"go.uber.org/zap"
)

// SnapshotSink turns status snapshots into broadcast frames. Every frame
// goes to all local clients via the hub and, when a relay is configured, to
// clients attached to other nodes via redis.
type SnapshotSink struct {
	hub    *Hub
	relay  *Relay
	logger *zap.Logger
}

func NewSnapshotSink(hub *Hub, relay *Relay, logger *zap.Logger) *SnapshotSink {
	return &SnapshotSink{
		hub:    hub,
		relay:  relay,
		logger: logger,
	}
}

var _ upgrade.Broadcaster = (*SnapshotSink)(nil)

// PushSnapshot marshals the snapshot and fans it out. The board hands over
// a private copy, so marshalling here is race-free.
func (s *SnapshotSink) PushSnapshot(snap upgrade.Snapshot) {
	frame, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error("Failed to marshal snapshot", zap.Error(err))
		return
	}

	s.hub.Broadcast(frame)

	if s.relay != nil {
		s.relay.Publish(frame)
	}
}
