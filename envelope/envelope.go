// Package envelope defines the on-wire message record routed between
// connections and the JSON codec that moves it across a WebSocket frame.
//
// Two shapes travel over the wire, distinguished by a top-level
// discriminator (see DecodeFrame): a standard Envelope, identified by
// the presence of "message_dim", and a CustomMessage, identified by a
// top-level "type" without "message_dim". The routing layer never
// inspects message_segment or message_info; it only reads the two
// fields inside message_dim.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned by DecodeFrame when a frame matches
// neither the standard nor the custom shape.
var ErrMalformedFrame = errors.New("envelope: malformed frame")

// SenderInfo describes the originator of a message. It is descriptive
// metadata only; the routing layer never inspects it.
type SenderInfo struct {
	UserID   string `json:"user_id,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	GroupID  string `json:"group_id,omitempty"`
}

// FormatInfo describes how message_segment's content is encoded.
// Opaque to routing; carried for the application's benefit.
type FormatInfo struct {
	ContentFormat []string `json:"content_format,omitempty"`
	AcceptFormat  []string `json:"accept_format,omitempty"`
}

// MessageInfo is descriptive metadata attached to an Envelope. The
// routing layer does not inspect any of these fields. Unknown fields
// encountered on decode are preserved and re-emitted on encode.
type MessageInfo struct {
	Platform   string      `json:"platform"`
	MessageID  string      `json:"message_id"`
	Time       float64     `json:"time"`
	SenderInfo *SenderInfo `json:"sender_info,omitempty"`
	FormatInfo *FormatInfo `json:"format_info,omitempty"`

	extra map[string]json.RawMessage
}

type messageInfoAlias MessageInfo

// MarshalJSON merges the known fields with any unknown fields
// preserved from a prior decode, so round-tripping never drops data.
func (m MessageInfo) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(messageInfoAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.extra) == 0 {
		return base, nil
	}
	return mergeExtra(base, m.extra)
}

// UnmarshalJSON populates the known fields and stashes anything else
// found in the object so it survives a subsequent MarshalJSON.
func (m *MessageInfo) UnmarshalJSON(data []byte) error {
	var alias messageInfoAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*m = MessageInfo(alias)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, known := range []string{"platform", "message_id", "time", "sender_info", "format_info"} {
		delete(raw, known)
	}
	if len(raw) > 0 {
		m.extra = raw
	}
	return nil
}

// MessageSegment is the message payload. The routing layer treats it
// as opaque; Data may itself be a recursively structured document.
type MessageSegment struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessageSegment builds a MessageSegment from an arbitrary Go value,
// marshaling it to the opaque Data field.
func NewMessageSegment(segType string, data interface{}) (MessageSegment, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return MessageSegment{}, fmt.Errorf("envelope: marshal segment data: %w", err)
	}
	return MessageSegment{Type: segType, Data: raw}, nil
}

// MessageDim carries the routing dimensions. It names the recipient,
// never the sender. Both fields must be non-empty for a message to be
// routable (see Envelope.Routable).
type MessageDim struct {
	APIKey   string `json:"api_key"`
	Platform string `json:"platform"`
}

// Envelope is the unit of routed traffic.
type Envelope struct {
	MessageInfo    MessageInfo    `json:"message_info"`
	MessageSegment MessageSegment `json:"message_segment"`
	MessageDim     MessageDim     `json:"message_dim"`

	extra map[string]json.RawMessage
}

type envelopeAlias Envelope

// MarshalJSON merges known fields with unknown top-level fields
// preserved from decode.
func (e Envelope) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(envelopeAlias(e))
	if err != nil {
		return nil, err
	}
	if len(e.extra) == 0 {
		return base, nil
	}
	return mergeExtra(base, e.extra)
}

// UnmarshalJSON populates known fields and preserves unrecognized
// top-level keys so Encode(Decode(data)) reproduces them.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var alias envelopeAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*e = Envelope(alias)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, known := range []string{"message_info", "message_segment", "message_dim"} {
		delete(raw, known)
	}
	if len(raw) > 0 {
		e.extra = raw
	}
	return nil
}

// GetAPIKey returns the recipient api_key routing dimension.
func (e *Envelope) GetAPIKey() string { return e.MessageDim.APIKey }

// GetPlatform returns the recipient platform routing dimension.
func (e *Envelope) GetPlatform() string { return e.MessageDim.Platform }

// Routable reports whether both routing dimensions are non-empty, per
// the invariant in spec §3.
func (e *Envelope) Routable() bool {
	return e.MessageDim.APIKey != "" && e.MessageDim.Platform != ""
}

// Encode serializes the envelope to its wire representation.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses the wire representation of a standard envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	return &e, nil
}

// CustomMessage is a non-envelope frame dispatched by a top-level type
// tag instead of routing dimensions.
type CustomMessage struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TargetUser     string          `json:"target_user,omitempty"`
	TargetPlatform string          `json:"target_platform,omitempty"`
}

// Encode serializes the custom message to its wire representation.
func (c *CustomMessage) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// FrameKind identifies which of the two wire shapes a decoded frame is.
type FrameKind int

const (
	// FrameUnknown is returned alongside ErrMalformedFrame.
	FrameUnknown FrameKind = iota
	// FrameStandard is a routable Envelope.
	FrameStandard
	// FrameCustom is a type-tagged CustomMessage.
	FrameCustom
)

// DecodeFrame classifies and decodes a raw WebSocket text frame.
// Presence of "message_dim" selects the standard Envelope shape;
// otherwise a top-level "type" without "message_dim" selects the
// custom shape. A frame matching neither is malformed.
func DecodeFrame(data []byte) (FrameKind, *Envelope, *CustomMessage, error) {
	var probe struct {
		MessageDim json.RawMessage `json:"message_dim"`
		Type       json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return FrameUnknown, nil, nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch {
	case probe.MessageDim != nil:
		env, err := Decode(data)
		if err != nil {
			return FrameUnknown, nil, nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return FrameStandard, env, nil, nil
	case probe.Type != nil:
		var custom CustomMessage
		if err := json.Unmarshal(data, &custom); err != nil {
			return FrameUnknown, nil, nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return FrameCustom, nil, &custom, nil
	default:
		return FrameUnknown, nil, nil, ErrMalformedFrame
	}
}

// mergeExtra re-marshals base with the preserved unknown fields added
// alongside the known ones.
func mergeExtra(base []byte, extra map[string]json.RawMessage) ([]byte, error) {
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}
