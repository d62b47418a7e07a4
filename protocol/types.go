package protocol

// Message type constants.
const (
	// Device -> backend (published on confirm topic)
	TypePickConfirm     = "pick.confirm"
	TypeDeviceHeartbeat = "device.heartbeat"

	// Backend -> device (published on dispatch topic)
	TypeBatchClosed     = "batch.closed"
	TypeBatchReassigned = "batch.reassigned"
)

// Roles for Address.Role.
const (
	RoleDevice  = "device"
	RoleBackend = "backend"
)

// Broadcast is the Address.Station value that every device accepts.
const Broadcast = "*"

// Protocol version.
const Version = 1
