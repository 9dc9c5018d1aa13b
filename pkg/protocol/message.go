package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies the kind of message crossing a channel.
type MessageType uint8

const (
	MessageCall       MessageType = 0x01 // Invoke a callable on the peer
	MessageResult     MessageType = 0x02 // Value or error for a call id
	MessageRelease    MessageType = 0x03 // Drop references to function handles
	MessageReplace    MessageType = 0x04 // Transport swap sentinel (new transport)
	MessageReplaceAck MessageType = 0x05 // Peer accepted the swap
	MessageTerminate  MessageType = 0x06 // Peer endpoint was torn down
)

var messageTypeNames = map[MessageType]string{
	MessageCall:       "call",
	MessageResult:     "result",
	MessageRelease:    "release",
	MessageReplace:    "replace",
	MessageReplaceAck: "replaceAck",
	MessageTerminate:  "terminate",
}

// String returns the JSON name of the message type.
func (mt MessageType) String() string {
	if name, ok := messageTypeNames[mt]; ok {
		return name
	}
	return "unknown"
}

// ParseMessageType is the inverse of MessageType.String.
func ParseMessageType(s string) (MessageType, error) {
	for mt, name := range messageTypeNames {
		if name == s {
			return mt, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMessageType, s)
}

// Message errors.
var (
	ErrInvalidMessageType = errors.New("protocol: invalid message type")
	ErrTrailingBytes      = errors.New("protocol: trailing bytes after message")
)

// FunctionPath is the first path element of a call addressed to a
// function handle rather than to the peer's callable surface.
const FunctionPath = RemoteFunctionKey

// Message is the unit exchanged by endpoints. Which fields are meaningful
// depends on Type:
//
//	call        ID, Path, Args
//	result      ID, Value or Error
//	release     IDs, Counts
//	replace     Hello
//	replaceAck  Hello
//	terminate   (none)
type Message struct {
	Type   MessageType
	ID     uint64
	Path   []string
	Args   []any
	Value  any
	Error  *ErrorMessage
	IDs    []string
	Counts []uint32
	Hello  *Hello
}

// NewCall creates a call message.
func NewCall(id uint64, path []string, args []any) *Message {
	return &Message{Type: MessageCall, ID: id, Path: path, Args: args}
}

// NewResult creates a successful result message.
func NewResult(id uint64, value any) *Message {
	return &Message{Type: MessageResult, ID: id, Value: value}
}

// NewErrorResult creates a failed result message.
func NewErrorResult(id uint64, em *ErrorMessage) *Message {
	return &Message{Type: MessageResult, ID: id, Error: em}
}

// NewRelease creates a release message. counts may be nil, meaning one
// reference per id.
func NewRelease(ids []string, counts []uint32) *Message {
	return &Message{Type: MessageRelease, IDs: ids, Counts: counts}
}

// ReleaseCount returns how many references the i-th id of a release
// message drops.
func (m *Message) ReleaseCount(i int) uint32 {
	if i < len(m.Counts) && m.Counts[i] > 0 {
		return m.Counts[i]
	}
	return 1
}

// EncodeMessage encodes m in the binary form.
func EncodeMessage(m *Message) ([]byte, error) {
	e := NewEncoder()
	if err := EncodeMessageTo(e, m); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// EncodeMessageTo encodes m using e.
func EncodeMessageTo(e *Encoder, m *Message) error {
	e.WriteByte(byte(m.Type))

	switch m.Type {
	case MessageCall:
		e.WriteUvarint(m.ID)
		e.WriteUvarint(uint64(len(m.Path)))
		for _, p := range m.Path {
			e.WriteString(p)
		}
		e.WriteUvarint(uint64(len(m.Args)))
		for _, arg := range m.Args {
			if err := EncodeValue(e, arg); err != nil {
				return err
			}
		}

	case MessageResult:
		e.WriteUvarint(m.ID)
		if m.Error != nil {
			e.WriteBool(true)
			encodeErrorMessage(e, m.Error)
			return nil
		}
		e.WriteBool(false)
		return EncodeValue(e, m.Value)

	case MessageRelease:
		e.WriteUvarint(uint64(len(m.IDs)))
		for i, id := range m.IDs {
			e.WriteString(id)
			e.WriteUvarint(uint64(m.ReleaseCount(i)))
		}

	case MessageReplace, MessageReplaceAck:
		encodeHello(e, m.Hello)

	case MessageTerminate:

	default:
		return fmt.Errorf("%w: 0x%02x", ErrInvalidMessageType, byte(m.Type))
	}
	return nil
}

// DecodeMessage decodes a binary message. The whole buffer must be consumed.
func DecodeMessage(data []byte) (*Message, error) {
	d := NewDecoder(data)
	m, err := DecodeMessageFrom(d)
	if err != nil {
		return nil, err
	}
	if !d.EOF() {
		return nil, ErrTrailingBytes
	}
	return m, nil
}

// DecodeMessageFrom decodes one message from d.
func DecodeMessageFrom(d *Decoder) (*Message, error) {
	tag, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	m := &Message{Type: MessageType(tag)}

	switch m.Type {
	case MessageCall:
		if m.ID, err = d.ReadUvarint(); err != nil {
			return nil, err
		}
		n, err := d.ReadCollectionCount()
		if err != nil {
			return nil, err
		}
		m.Path = make([]string, n)
		for i := range m.Path {
			if m.Path[i], err = d.ReadString(); err != nil {
				return nil, err
			}
		}
		if n, err = d.ReadCollectionCount(); err != nil {
			return nil, err
		}
		m.Args = make([]any, n)
		for i := range m.Args {
			if m.Args[i], err = DecodeValue(d); err != nil {
				return nil, err
			}
		}

	case MessageResult:
		if m.ID, err = d.ReadUvarint(); err != nil {
			return nil, err
		}
		failed, err := d.ReadBool()
		if err != nil {
			return nil, err
		}
		if failed {
			if m.Error, err = decodeErrorMessage(d); err != nil {
				return nil, err
			}
		} else if m.Value, err = DecodeValue(d); err != nil {
			return nil, err
		}

	case MessageRelease:
		n, err := d.ReadCollectionCount()
		if err != nil {
			return nil, err
		}
		m.IDs = make([]string, n)
		m.Counts = make([]uint32, n)
		for i := 0; i < n; i++ {
			if m.IDs[i], err = d.ReadString(); err != nil {
				return nil, err
			}
			c, err := d.ReadUvarint()
			if err != nil {
				return nil, err
			}
			m.Counts[i] = uint32(c)
		}

	case MessageReplace, MessageReplaceAck:
		if m.Hello, err = decodeHello(d); err != nil {
			return nil, err
		}

	case MessageTerminate:

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidMessageType, tag)
	}
	return m, nil
}

// jsonMessage is the JSON shape of a Message.
type jsonMessage struct {
	Type   string        `json:"type"`
	ID     uint64        `json:"id,omitempty"`
	Path   []string      `json:"path,omitempty"`
	Args   []any         `json:"args,omitempty"`
	Value  any           `json:"value"`
	Error  *ErrorMessage `json:"error,omitempty"`
	IDs    []string      `json:"ids,omitempty"`
	Counts []uint32      `json:"counts,omitempty"`
	Hello  *Hello        `json:"transport,omitempty"`
}

// MarshalJSON renders the message as a plain JSON object.
func (m *Message) MarshalJSON() ([]byte, error) {
	if _, ok := messageTypeNames[m.Type]; !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidMessageType, byte(m.Type))
	}
	return json.Marshal(jsonMessage{
		Type:   m.Type.String(),
		ID:     m.ID,
		Path:   m.Path,
		Args:   m.Args,
		Value:  m.Value,
		Error:  m.Error,
		IDs:    m.IDs,
		Counts: m.Counts,
		Hello:  m.Hello,
	})
}

// UnmarshalJSON parses the JSON object written by MarshalJSON. Remote
// function markers become FunctionRef; integral numbers become int64.
func (m *Message) UnmarshalJSON(data []byte) error {
	var jm jsonMessage
	if err := json.Unmarshal(data, &jm); err != nil {
		return err
	}
	mt, err := ParseMessageType(jm.Type)
	if err != nil {
		return err
	}
	*m = Message{
		Type:   mt,
		ID:     jm.ID,
		Path:   jm.Path,
		Value:  fromJSON(jm.Value),
		Error:  jm.Error,
		IDs:    jm.IDs,
		Counts: jm.Counts,
		Hello:  jm.Hello,
	}
	if jm.Args != nil {
		m.Args = fromJSON(jm.Args).([]any)
	}
	return nil
}
