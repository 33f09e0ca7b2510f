package smtp

// SessionState SMTP 会话状态
type SessionState int

const (
	StateConnected SessionState = iota
	StateGreeted
	StateSenderSet
	StateRecipientSet
	StateReceivingData
	StatePersisted
	StateRejected
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateGreeted:
		return "greeted"
	case StateSenderSet:
		return "sender_set"
	case StateRecipientSet:
		return "recipient_set"
	case StateReceivingData:
		return "receiving_data"
	case StatePersisted:
		return "persisted"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
