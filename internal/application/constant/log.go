package constant

// Ключи атрибутов slog
const (
	Error     = "error"
	UserID    = "user_id"
	PeerID    = "peer_id"
	RoomID    = "room_id"
	Channel   = "channel"
	Phase     = "phase"
	Kind      = "kind"
	State     = "state"
	Component = "component"
	Topic     = "topic"
	Count     = "count"
)
