package protocol

import "encoding/json"

// ErrorCode classifies a failed call result.
type ErrorCode uint16

const (
	ErrUnknown          ErrorCode = 0x0000 // Unclassified failure
	ErrInvalidMessage   ErrorCode = 0x0001 // Malformed call or arguments
	ErrUnknownMethod    ErrorCode = 0x0002 // No callable at the requested path
	ErrHandlerPanic     ErrorCode = 0x0003 // Callable panicked
	ErrReleasedFunction ErrorCode = 0x0004 // Call addressed a released handle
	ErrRateLimited      ErrorCode = 0x0005 // Too many inbound calls
	ErrTerminated       ErrorCode = 0x0006 // Endpoint torn down before replying
	ErrApplication      ErrorCode = 0x0100 // Callable returned an error
	ErrValidation       ErrorCode = 0x0101 // Mutation batch rejected
)

var errorCodeNames = map[ErrorCode]string{
	ErrUnknown:          "Unknown",
	ErrInvalidMessage:   "InvalidMessage",
	ErrUnknownMethod:    "UnknownMethod",
	ErrHandlerPanic:     "HandlerPanic",
	ErrReleasedFunction: "ReleasedFunction",
	ErrRateLimited:      "RateLimited",
	ErrTerminated:       "Terminated",
	ErrApplication:      "Application",
	ErrValidation:       "Validation",
}

// String returns the name of the error code.
func (ec ErrorCode) String() string {
	if name, ok := errorCodeNames[ec]; ok {
		return name
	}
	return "Unknown"
}

// ErrorMessage is the error half of a result message.
type ErrorMessage struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewError creates an ErrorMessage.
func NewError(code ErrorCode, message string) *ErrorMessage {
	return &ErrorMessage{Code: code, Message: message}
}

// Error implements the error interface.
func (em *ErrorMessage) Error() string {
	return em.Code.String() + ": " + em.Message
}

// MarshalJSON writes the code by name so the JSON form is self-describing.
func (em *ErrorMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Code    uint16 `json:"code"`
		Name    string `json:"name"`
		Message string `json:"message"`
	}{uint16(em.Code), em.Code.String(), em.Message})
}

func encodeErrorMessage(e *Encoder, em *ErrorMessage) {
	e.WriteUint16(uint16(em.Code))
	e.WriteString(em.Message)
}

func decodeErrorMessage(d *Decoder) (*ErrorMessage, error) {
	code, err := d.ReadUint16()
	if err != nil {
		return nil, err
	}
	msg, err := d.ReadString()
	if err != nil {
		return nil, err
	}
	return &ErrorMessage{Code: ErrorCode(code), Message: msg}, nil
}
