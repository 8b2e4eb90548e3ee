package machine

import (
	"fmt"

	"github.com/flowpbx/answermachine/internal/media"
)

// attachStream adds the call's stream to the bridge and routes the call's
// signal into it.
func (m *Machine) attachStream(call *Call) error {
	slot, err := m.mixer.AddPort(call.stream)
	if err != nil {
		return fmt.Errorf("adding stream to bridge: %w", err)
	}
	call.BridgePort = slot

	if err := m.mixer.Connect(call.SignalSlot, slot); err != nil {
		return fmt.Errorf("connecting signal slot %d to port %d: %w", call.SignalSlot, slot, err)
	}
	return nil
}

// detachStream removes the call's bridge port. Disconnect is attempted
// even when the connect step never happened; the bridge treats that as
// success.
func (m *Machine) detachStream(call *Call) {
	if call.BridgePort == media.NoSlot {
		return
	}
	if err := m.mixer.Disconnect(call.SignalSlot, call.BridgePort); err != nil {
		call.logger.Warn("disconnecting bridge port", "bridge_port", int(call.BridgePort), "error", err)
	}
	if err := m.mixer.RemovePort(call.BridgePort); err != nil {
		call.logger.Warn("removing bridge port", "bridge_port", int(call.BridgePort), "error", err)
	}
	call.BridgePort = media.NoSlot
}
