package model

import "fmt"

// EventKind tags an authoritative change delivered by the realtime feed.
type EventKind int

// Change kinds of the messages table.
const (
	EventInsert EventKind = iota + 1
	EventUpdate
	EventDelete
)

func (k EventKind) String() string {
	switch k {
	case EventInsert:
		return "insert"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one authoritative message change. For deletes only Message.ID
// (and RoomID when the feed provides it) is meaningful.
type Event struct {
	Kind    EventKind
	Message Message
}
