package model

// EventKind tags an Event.
type EventKind string

const (
	EventProgress      EventKind = "progress"
	EventStatusChanged EventKind = "status-changed"
	EventComplete      EventKind = "complete"
	EventError         EventKind = "error"
	EventItemRemoved   EventKind = "item-removed"
)

// Event is the tagged union emitted by both adapters. Item is a value copy
// and is set for every kind except item-removed; Message is set for error
// events only.
type Event struct {
	Kind    EventKind
	ID      string
	Item    DownloadItem
	Message string
}
