package protocol

import "fmt"

// ProtocolError reports a decode failure: malformed binary, an empty
// envelope, a truncated varint, or an unknown union discriminator. It
// always maps to ErrorCode PROTOCOL_ERROR on the wire.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s", e.Reason)
}

func errEmptyInput() error {
	return &ProtocolError{Reason: "empty input"}
}

func errMissingPayload() error {
	return &ProtocolError{Reason: "missing payload"}
}

func errUnknownDiscriminator(tag int) error {
	return &ProtocolError{Reason: fmt.Sprintf("unknown union discriminator %d", tag)}
}
