package commsutil

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/tidwall/gjson"

	"github.com/morezero/querypipe/pkg/message"
)

const codecLogPrefix = "commsutil:codec"

// Wire envelope versioning.
const (
	WireVersion    = "1.0.0"
	WireConstraint = "^1.0.0"
)

var (
	// ErrMissingVersion is returned for an envelope without a version member.
	ErrMissingVersion = errors.New("envelope has no version")
	// ErrUnsupportedVersion is returned when the envelope version fails the
	// configured constraint.
	ErrUnsupportedVersion = errors.New("unsupported envelope version")
)

// Envelope is a message as published on COMMS.
type Envelope struct {
	Version string `json:"version"`
	message.Message
}

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// EncodeMessage wraps msg in an envelope stamped with WireVersion.
func EncodeMessage(msg message.Message) ([]byte, error) {
	data, err := EncodePayload(Envelope{Version: WireVersion, Message: msg})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode %s: %w", codecLogPrefix, msg.Type, err)
	}
	return data, nil
}

// ParseConstraint parses a semver constraint, defaulting to WireConstraint.
func ParseConstraint(raw string) (*semver.Constraints, error) {
	if raw == "" {
		raw = WireConstraint
	}
	c, err := semver.NewConstraint(raw)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid version constraint %q: %w", codecLogPrefix, raw, err)
	}
	return c, nil
}

// CheckVersion reads the envelope version without decoding the message and
// checks it against c.
func CheckVersion(data []byte, c *semver.Constraints) error {
	raw := gjson.GetBytes(data, "version")
	if !raw.Exists() || raw.String() == "" {
		return ErrMissingVersion
	}
	v, err := semver.NewVersion(raw.String())
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, raw.String(), err)
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrUnsupportedVersion, v, c)
	}
	return nil
}

// DecodeMessage checks the envelope version and decodes the message.
func DecodeMessage(data []byte, c *semver.Constraints) (message.Message, error) {
	if err := CheckVersion(data, c); err != nil {
		return message.Message{}, fmt.Errorf("%s - %w", codecLogPrefix, err)
	}
	var env Envelope
	if err := DecodePayload(data, &env); err != nil {
		return message.Message{}, fmt.Errorf("%s - failed to decode envelope: %w", codecLogPrefix, err)
	}
	return env.Message, nil
}
