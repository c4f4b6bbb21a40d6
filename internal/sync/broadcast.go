package sync

// Broadcast payloads published on the bus. Listeners always observe the
// application log and the shadow store already updated: handlers mutate the
// log first, then the shadow store, and broadcast last.

// NewMessage is the payload of "message.new".
type NewMessage struct {
	MimeType  string
	MessageID string
}

// MessagesDeleted is the payload of "message.deleted".
type MessagesDeleted struct {
	Contact    string
	MessageIDs []string
}

// StateChanged is the payload of "message.state_changed". Reason is empty
// for ordinary delivery progress and carries a failure code otherwise.
type StateChanged struct {
	Contact   string
	MimeType  string
	MessageID string
	State     string
	Reason    string
}

// SyncReport is the payload of "sync.completed".
type SyncReport struct {
	Imported int
	Deleted  int
	Read     int
	Purged   int64
}
