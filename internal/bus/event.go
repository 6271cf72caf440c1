package bus

import "time"

// Event is a single item on the bus. Topic determines routing; Payload
// carries one of the typed event structs from the chat package.
type Event struct {
	Topic     string
	Timestamp time.Time
	Payload   any
}
