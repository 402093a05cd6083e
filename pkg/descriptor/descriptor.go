// Package descriptor decodes the flow descriptor JSON blob clients pass
// to createFlowWriter, spec.md §4.4 "Parse descriptor (UUID, format,
// rate, geometry)" and §6 "flow_def.json (opaque descriptor blob)".
//
// The blob is stored byte-for-byte in flow_def.json regardless of how
// this package parses it (spec.md §3: "a descriptor file (opaque JSON
// blob, stored as-is)"); decoding only extracts the fields the core
// itself needs to build a header. Unknown keys are preserved by storing
// the raw bytes separately (pkg/manager writes the original bytes, never
// a re-marshaled copy, so unknown producer-specific fields round-trip).
package descriptor

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/mxlflow/mxl/internal/header"
	"github.com/mxlflow/mxl/internal/rational"
)

// Kind mirrors header.FlowKind for the JSON-facing "discrete"/"continuous"
// string tag.
type Kind string

const (
	KindDiscrete   Kind = "discrete"
	KindContinuous Kind = "continuous"
)

// Rate is the wire form of a rational edit rate.
type Rate struct {
	Numerator   int64 `json:"numerator"`
	Denominator int64 `json:"denominator"`
}

func (r Rate) toRational() rational.Rational {
	return rational.Rational{Numerator: r.Numerator, Denominator: r.Denominator}
}

// DiscreteGeometry is the wire form of discrete-specific geometry.
type DiscreteGeometry struct {
	GrainCount   uint32   `json:"grainCount"`
	PayloadSize  uint64   `json:"payloadSize"`
	SliceLengths []uint32 `json:"sliceLengths"`
}

// ContinuousGeometry is the wire form of continuous-specific geometry.
type ContinuousGeometry struct {
	ChannelCount   uint32 `json:"channelCount"`
	SampleWordSize uint32 `json:"sampleWordSize"`
	BufferLength   uint64 `json:"bufferLength"`
}

// Descriptor is the decoded form of flow_def.json.
type Descriptor struct {
	ID         uuid.UUID          `json:"id"`
	Kind       Kind               `json:"kind"`
	FormatTag  uint32             `json:"formatTag"`
	Rate       Rate               `json:"rate"`
	Discrete   DiscreteGeometry   `json:"discrete,omitempty"`
	Continuous ContinuousGeometry `json:"continuous,omitempty"`

	raw []byte
}

// Raw returns the exact bytes this Descriptor was parsed from, for
// as-is persistence to flow_def.json.
func (d Descriptor) Raw() []byte {
	return d.raw
}

// Parse decodes a descriptor JSON blob.
func Parse(blob []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(blob, &d); err != nil {
		return Descriptor{}, fmt.Errorf("descriptor: %w", err)
	}
	d.raw = append([]byte(nil), blob...)

	if d.ID == uuid.Nil {
		return Descriptor{}, fmt.Errorf("descriptor: missing or zero id")
	}

	switch d.Kind {
	case KindDiscrete, KindContinuous:
	default:
		return Descriptor{}, fmt.Errorf("descriptor: unknown kind %q", d.Kind)
	}

	if !d.Rate.toRational().Valid() {
		return Descriptor{}, fmt.Errorf("descriptor: invalid rate %+v", d.Rate)
	}

	return d, nil
}

// HeaderKind maps the wire Kind to the internal header.FlowKind tag.
func (d Descriptor) HeaderKind() header.FlowKind {
	if d.Kind == KindContinuous {
		return header.KindContinuous
	}
	return header.KindDiscrete
}

// RationalRate returns the decoded edit rate.
func (d Descriptor) RationalRate() rational.Rational {
	return d.Rate.toRational()
}
