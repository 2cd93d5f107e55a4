package domain

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	MessageSubscribeAck MessageType = "subscribe-ack"
	MessageDeviceStatus MessageType = "device_status"
	MessageLayoutUpdate MessageType = "layout_update"
	MessageContentSync  MessageType = "content_sync"
	MessageNotification MessageType = "notification"
	MessageBroadcast    MessageType = "broadcast"
)

var knownTypes = map[MessageType]struct{}{
	MessageSubscribeAck: {},
	MessageDeviceStatus: {},
	MessageLayoutUpdate: {},
	MessageContentSync:  {},
	MessageNotification: {},
	MessageBroadcast:    {},
}

func (t MessageType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Message is the envelope delivered to subscribers. Payload is opaque.
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	SenderID  string          `json:"senderId"`
}

// Addressing selects the recipients of a publish. Target wins over Channel;
// with neither set the sender's tenant channel is used.
type Addressing struct {
	Target  string `json:"target,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// SubscribeAck is the payload of the subscribe-ack message sent when a
// transport attaches to a session.
type SubscribeAck struct {
	SessionID string   `json:"sessionId"`
	Channels  []string `json:"channels"`
}

// SystemSender is the senderId of messages the broker emits itself.
const SystemSender = "system"
