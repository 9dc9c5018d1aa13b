package protocol

import (
	"errors"
	"fmt"
	"math"
)

// RemoteFunctionKey is the object key that marks a remote function
// reference in the JSON form of a value.
const RemoteFunctionKey = "__remoteFunction"

// MaxValueDepth is the maximum nesting depth of arrays and objects.
const MaxValueDepth = 64

// Value errors.
var (
	ErrMaxDepthExceeded = errors.New("protocol: maximum nesting depth exceeded")
	ErrInvalidValue     = errors.New("protocol: value is not wire-safe")
	ErrInvalidValueType = errors.New("protocol: invalid value type tag")
)

// FunctionRef is the wire-safe stand-in for a function value: the handle
// id minted by the side that owns the function.
type FunctionRef struct {
	ID string
}

// MarshalJSON renders the reference as {"__remoteFunction": id}.
func (f FunctionRef) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{%q:%q}`, RemoteFunctionKey, f.ID)), nil
}

// ValueType tags an encoded value.
type ValueType uint8

const (
	ValueNull     ValueType = 0x00
	ValueBool     ValueType = 0x01
	ValueInt      ValueType = 0x02
	ValueFloat    ValueType = 0x03
	ValueString   ValueType = 0x04
	ValueArray    ValueType = 0x05
	ValueObject   ValueType = 0x06
	ValueBytes    ValueType = 0x07
	ValueFunction ValueType = 0x08
)

// String returns the name of the value type.
func (vt ValueType) String() string {
	switch vt {
	case ValueNull:
		return "Null"
	case ValueBool:
		return "Bool"
	case ValueInt:
		return "Int"
	case ValueFloat:
		return "Float"
	case ValueString:
		return "String"
	case ValueArray:
		return "Array"
	case ValueObject:
		return "Object"
	case ValueBytes:
		return "Bytes"
	case ValueFunction:
		return "Function"
	default:
		return "Unknown"
	}
}

// EncodeValue appends a wire-safe value. Wire-safe values are nil, bool,
// Go integers, floats, string, []byte, []any, map[string]any and
// FunctionRef. Anything else fails with ErrInvalidValue.
func EncodeValue(e *Encoder, v any) error {
	return encodeValue(e, v, 0)
}

func encodeValue(e *Encoder, v any, depth int) error {
	if depth > MaxValueDepth {
		return ErrMaxDepthExceeded
	}

	switch val := v.(type) {
	case nil:
		e.WriteByte(byte(ValueNull))
	case bool:
		e.WriteByte(byte(ValueBool))
		e.WriteBool(val)
	case int:
		e.WriteByte(byte(ValueInt))
		e.WriteSvarint(int64(val))
	case int8:
		e.WriteByte(byte(ValueInt))
		e.WriteSvarint(int64(val))
	case int16:
		e.WriteByte(byte(ValueInt))
		e.WriteSvarint(int64(val))
	case int32:
		e.WriteByte(byte(ValueInt))
		e.WriteSvarint(int64(val))
	case int64:
		e.WriteByte(byte(ValueInt))
		e.WriteSvarint(val)
	case uint:
		return encodeUint(e, uint64(val))
	case uint8:
		return encodeUint(e, uint64(val))
	case uint16:
		return encodeUint(e, uint64(val))
	case uint32:
		return encodeUint(e, uint64(val))
	case uint64:
		return encodeUint(e, val)
	case float32:
		e.WriteByte(byte(ValueFloat))
		e.WriteFloat64(float64(val))
	case float64:
		e.WriteByte(byte(ValueFloat))
		e.WriteFloat64(val)
	case string:
		e.WriteByte(byte(ValueString))
		e.WriteString(val)
	case []byte:
		e.WriteByte(byte(ValueBytes))
		e.WriteLenBytes(val)
	case FunctionRef:
		e.WriteByte(byte(ValueFunction))
		e.WriteString(val.ID)
	case []any:
		e.WriteByte(byte(ValueArray))
		e.WriteUvarint(uint64(len(val)))
		for _, item := range val {
			if err := encodeValue(e, item, depth+1); err != nil {
				return err
			}
		}
	case map[string]any:
		e.WriteByte(byte(ValueObject))
		e.WriteUvarint(uint64(len(val)))
		for k, item := range val {
			e.WriteString(k)
			if err := encodeValue(e, item, depth+1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: %T", ErrInvalidValue, v)
	}
	return nil
}

func encodeUint(e *Encoder, v uint64) error {
	if v > math.MaxInt64 {
		return fmt.Errorf("%w: integer %d overflows int64", ErrInvalidValue, v)
	}
	e.WriteByte(byte(ValueInt))
	e.WriteSvarint(int64(v))
	return nil
}

// DecodeValue reads a value written by EncodeValue. Integers come back as
// int64 and floats as float64.
func DecodeValue(d *Decoder) (any, error) {
	return decodeValue(d, 0)
}

func decodeValue(d *Decoder, depth int) (any, error) {
	if depth > MaxValueDepth {
		return nil, ErrMaxDepthExceeded
	}

	tag, err := d.ReadByte()
	if err != nil {
		return nil, err
	}

	switch ValueType(tag) {
	case ValueNull:
		return nil, nil
	case ValueBool:
		return d.ReadBool()
	case ValueInt:
		return d.ReadSvarint()
	case ValueFloat:
		return d.ReadFloat64()
	case ValueString:
		return d.ReadString()
	case ValueBytes:
		return d.ReadLenBytes()
	case ValueFunction:
		id, err := d.ReadString()
		if err != nil {
			return nil, err
		}
		return FunctionRef{ID: id}, nil
	case ValueArray:
		n, err := d.ReadCollectionCount()
		if err != nil {
			return nil, err
		}
		arr := make([]any, n)
		for i := range arr {
			if arr[i], err = decodeValue(d, depth+1); err != nil {
				return nil, err
			}
		}
		return arr, nil
	case ValueObject:
		n, err := d.ReadCollectionCount()
		if err != nil {
			return nil, err
		}
		obj := make(map[string]any, n)
		for i := 0; i < n; i++ {
			key, err := d.ReadString()
			if err != nil {
				return nil, err
			}
			if obj[key], err = decodeValue(d, depth+1); err != nil {
				return nil, err
			}
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidValueType, tag)
	}
}

// fromJSON rewrites a value produced by encoding/json so that remote
// function markers become FunctionRef and integral numbers become int64.
func fromJSON(v any) any {
	switch val := v.(type) {
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int64(val)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = fromJSON(item)
		}
		return val
	case map[string]any:
		if len(val) == 1 {
			if id, ok := val[RemoteFunctionKey].(string); ok {
				return FunctionRef{ID: id}
			}
		}
		for k, item := range val {
			val[k] = fromJSON(item)
		}
		return val
	default:
		return v
	}
}
