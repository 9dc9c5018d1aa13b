package protocol

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// CurrentVersion is the protocol version spoken by this package.
const CurrentVersion = "2.0.0"

// Feature flags advertised in a Hello.
const (
	FeatureCompression = "compression"
	FeatureTransfer    = "transfer"
)

// ErrVersionMismatch is returned when two peers cannot talk to each other.
var ErrVersionMismatch = errors.New("protocol: version mismatch")

// Hello is exchanged when a transport is replaced. The side that wants to
// swap sends it on the new transport inside MessageReplace and the peer
// answers with its own inside MessageReplaceAck.
type Hello struct {
	Version  string   `json:"version"`
	Features []string `json:"features,omitempty"`
}

// NewHello returns a Hello for CurrentVersion.
func NewHello(features ...string) *Hello {
	return &Hello{Version: CurrentVersion, Features: features}
}

// HasFeature reports whether the peer advertised feature.
func (h *Hello) HasFeature(feature string) bool {
	for _, f := range h.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// CheckCompatible verifies that peer speaks a version with the same major
// number as CurrentVersion.
func CheckCompatible(peer *Hello) error {
	if peer == nil {
		return fmt.Errorf("%w: missing hello", ErrVersionMismatch)
	}
	v, err := semver.NewVersion(peer.Version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrVersionMismatch, peer.Version, err)
	}
	current := semver.MustParse(CurrentVersion)
	c, err := semver.NewConstraint(fmt.Sprintf("^%d.0.0", current.Major()))
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: peer %s, local %s", ErrVersionMismatch, v, current)
	}
	return nil
}

func encodeHello(e *Encoder, h *Hello) {
	if h == nil {
		e.WriteBool(false)
		return
	}
	e.WriteBool(true)
	e.WriteString(h.Version)
	e.WriteUvarint(uint64(len(h.Features)))
	for _, f := range h.Features {
		e.WriteString(f)
	}
}

func decodeHello(d *Decoder) (*Hello, error) {
	present, err := d.ReadBool()
	if err != nil || !present {
		return nil, err
	}
	h := &Hello{}
	if h.Version, err = d.ReadString(); err != nil {
		return nil, err
	}
	n, err := d.ReadCollectionCount()
	if err != nil {
		return nil, err
	}
	if n > 0 {
		h.Features = make([]string, n)
		for i := range h.Features {
			if h.Features[i], err = d.ReadString(); err != nil {
				return nil, err
			}
		}
	}
	return h, nil
}
