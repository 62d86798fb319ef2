package valk

type ShardStatus int32

const (
	ShardStatusIdle ShardStatus = iota
	ShardStatusConnecting
	ShardStatusIdentifying
	ShardStatusHeartbeating
	ShardStatusReconnecting
	ShardStatusClosed
	ShardStatusFailed
)

func (status ShardStatus) String() string {
	switch status {
	case ShardStatusIdle:
		return "Idle"
	case ShardStatusConnecting:
		return "Connecting"
	case ShardStatusIdentifying:
		return "Identifying"
	case ShardStatusHeartbeating:
		return "Heartbeating"
	case ShardStatusReconnecting:
		return "Reconnecting"
	case ShardStatusClosed:
		return "Closed"
	case ShardStatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// MarshalText lets the status API render statuses by name.
func (status ShardStatus) MarshalText() ([]byte, error) {
	return []byte(status.String()), nil
}
