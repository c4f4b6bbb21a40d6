package state

// The read, delete and push statuses of a synchronized message are strict
// linear state machines. Local events only ever move a status forward;
// a flag observed on the remote store jumps straight to the terminal value
// because the remote store is authoritative once it has been seen.

// ReadStatus tracks how far the read flag of a message has propagated.
type ReadStatus string

const (
	ReadUnread          ReadStatus = "UNREAD"
	ReadReportRequested ReadStatus = "READ_REPORT_REQUESTED"
	ReadReported        ReadStatus = "READ_REPORTED"
	ReadRead            ReadStatus = "READ"
)

var readRank = map[ReadStatus]int{
	ReadUnread:          0,
	ReadReportRequested: 1,
	ReadReported:        2,
	ReadRead:            3,
}

// Valid reports whether s is a known read status.
func (s ReadStatus) Valid() bool {
	_, ok := readRank[s]
	return ok
}

// CanAdvance reports whether moving from s to target is a forward transition.
// Re-applying the current status is not an advance.
func (s ReadStatus) CanAdvance(target ReadStatus) bool {
	return readRank[target] > readRank[s]
}

// Terminal reports whether s is the fully synchronized end state.
func (s ReadStatus) Terminal() bool {
	return s == ReadRead
}

// Predecessors returns every status strictly before target in machine order.
// Used by the store to build monotonic UPDATE guards.
func (target ReadStatus) Predecessors() []ReadStatus {
	var out []ReadStatus
	for st, r := range readRank {
		if r < readRank[target] {
			out = append(out, st)
		}
	}
	return out
}

// DeleteStatus tracks how far the deletion of a message has propagated.
type DeleteStatus string

const (
	DeleteNotDeleted      DeleteStatus = "NOT_DELETED"
	DeleteReportRequested DeleteStatus = "DELETED_REPORT_REQUESTED"
	DeleteReported        DeleteStatus = "DELETED_REPORTED"
	DeleteDeleted         DeleteStatus = "DELETED"
)

var deleteRank = map[DeleteStatus]int{
	DeleteNotDeleted:      0,
	DeleteReportRequested: 1,
	DeleteReported:        2,
	DeleteDeleted:         3,
}

// Valid reports whether s is a known delete status.
func (s DeleteStatus) Valid() bool {
	_, ok := deleteRank[s]
	return ok
}

// CanAdvance reports whether moving from s to target is a forward transition.
func (s DeleteStatus) CanAdvance(target DeleteStatus) bool {
	return deleteRank[target] > deleteRank[s]
}

// Terminal reports whether s is the fully synchronized end state.
func (s DeleteStatus) Terminal() bool {
	return s == DeleteDeleted
}

// Predecessors returns every status strictly before target in machine order.
func (target DeleteStatus) Predecessors() []DeleteStatus {
	var out []DeleteStatus
	for st, r := range deleteRank {
		if r < deleteRank[target] {
			out = append(out, st)
		}
	}
	return out
}

// PushStatus tracks whether a message has been uploaded to the remote store.
type PushStatus string

const (
	PushRequested PushStatus = "PUSH_REQUESTED"
	Pushed        PushStatus = "PUSHED"
)

// Valid reports whether s is a known push status.
func (s PushStatus) Valid() bool {
	return s == PushRequested || s == Pushed
}

// CanAdvance reports whether moving from s to target is a forward transition.
func (s PushStatus) CanAdvance(target PushStatus) bool {
	return s == PushRequested && target == Pushed
}

// MaxRead returns the further-advanced of two read statuses.
func MaxRead(a, b ReadStatus) ReadStatus {
	if readRank[b] > readRank[a] {
		return b
	}
	return a
}

// MaxDelete returns the further-advanced of two delete statuses.
func MaxDelete(a, b DeleteStatus) DeleteStatus {
	if deleteRank[b] > deleteRank[a] {
		return b
	}
	return a
}

// MaxPush returns the further-advanced of two push statuses.
func MaxPush(a, b PushStatus) PushStatus {
	if a == Pushed || b == Pushed {
		return Pushed
	}
	return PushRequested
}
