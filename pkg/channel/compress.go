package channel

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/vango-dev/remote/pkg/protocol"
)

// DefaultCompressThreshold is the payload size above which binary
// adapters deflate frames when compression is enabled.
const DefaultCompressThreshold = 1024

// ErrDecompressedTooLarge is returned when an inflated payload exceeds
// protocol.MaxFramePayload.
var ErrDecompressedTooLarge = errors.New("channel: decompressed payload too large")

func compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(payload []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(payload))
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, protocol.MaxFramePayload+1))
	if err != nil {
		return nil, err
	}
	if len(out) > protocol.MaxFramePayload {
		return nil, ErrDecompressedTooLarge
	}
	return out, nil
}

// encodeFrame encodes msg into a frame, deflating the payload when
// threshold > 0 and the payload is larger than threshold.
func encodeFrame(msg *protocol.Message, threshold int) ([]byte, error) {
	payload, err := protocol.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	f := protocol.NewFrame(protocol.FrameMessage, payload)
	if threshold > 0 && len(payload) > threshold {
		z, err := compress(payload)
		if err != nil {
			return nil, err
		}
		if len(z) < len(payload) {
			f.Payload = z
			f.Flags |= protocol.FlagCompressed
		}
	}
	return f.Encode()
}

// decodeFrame parses a frame produced by encodeFrame. A FrameError frame
// is returned as its *protocol.ErrorMessage.
func decodeFrame(data []byte) (*protocol.Message, error) {
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		return nil, err
	}
	payload := f.Payload
	if f.Flags.Has(protocol.FlagCompressed) {
		if payload, err = decompress(payload); err != nil {
			return nil, err
		}
	}
	if f.Type == protocol.FrameError {
		em, err := protocol.DecodeErrorFrame(payload)
		if err != nil {
			return nil, err
		}
		return nil, em
	}
	return protocol.DecodeMessage(payload)
}
