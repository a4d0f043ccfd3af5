// Package protocol defines the packet format carried on the call's DataChannel.
package protocol

// Packet type constants.
const (
	TypeChat uint8 = 0x01 // UTF-8 text typed by a participant
	TypePing uint8 = 0x02 // RTT measurement, echoed back as TypePong
	TypePong uint8 = 0x03 // Echo of a TypePing with the same SeqNum and SentAt
)

// HeaderSize is the fixed header size: Type(1) + SeqNum(4) + SentAt(8).
const HeaderSize = 13

// Packet represents a side-channel packet transmitted over the DataChannel.
type Packet struct {
	Type    uint8  // TypeChat, TypePing, or TypePong
	SeqNum  uint32 // Per-sender sequence number
	SentAt  int64  // Sender clock in unix nanoseconds; pongs carry the ping's value
	Payload []byte // Only used for TypeChat
}
