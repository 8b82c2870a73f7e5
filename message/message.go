// Package message defines the wire contract shared by the store, the change
// relay, the broadcast fabric, and clients.
package message

// Message is a single chat message. Timestamp is the client-generated
// ISO-8601 marker used for ordering and display; the server stores it as-is
// and never rewrites it. Room partitions both storage and the broadcast
// channel namespace; an empty room denotes the default room.
type Message struct {
	ID        int64  `json:"id,omitempty"`
	Username  string `json:"username"`
	Body      string `json:"message"`
	Timestamp string `json:"timestamp"`
	Room      string `json:"room,omitempty"`
}

// Payload strips a message down to the broadcast payload shape
// {username, message, timestamp}. Room is implied by the channel name and
// the id is a storage detail, so neither travels on the wire.
func (m Message) Payload() Message {
	return Message{Username: m.Username, Body: m.Body, Timestamp: m.Timestamp}
}
