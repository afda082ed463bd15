package protocol

// Field numbers, pinned by the wire format (spec section 6).
const (
	fieldEnvelopeCorrelationID = 1
	fieldEnvelopeType = 2
	fieldEnvelopeTimestamp = 3
	fieldEnvelopePayload = 4

	fieldRequestMethod = 1
	fieldRequestPath = 2
	fieldRequestHeaders = 3
	fieldRequestQuery = 4
	fieldRequestBody = 5
	fieldRequestWebSocketUpgrade = 6

	fieldResponseStatusCode = 1
	fieldResponseHeaders = 2
	fieldResponseBody = 3

	fieldErrorCode = 1
	fieldErrorMessage = 2

	fieldControlAction = 1
	fieldControlSubdomain = 2
	fieldControlPublicURL = 3

	fieldFrameType = 1
	fieldFrameData = 2
	fieldFrameIsBinary = 3
	fieldFrameCloseCode = 4
	fieldFrameCloseReason = 5
)

// Encode serializes an Envelope to its binary wire form.
func Encode(e *Envelope) ([]byte, error) {
	var buf []byte
	buf = writeField(buf, fieldEnvelopeCorrelationID, []byte(e.CorrelationID))
	buf = writeField(buf, fieldEnvelopeType, varintField(uint64(e.Type)))
	buf = writeField(buf, fieldEnvelopeTimestamp, varintField(uint64(e.TimestampMs)))

	payloadBytes, tag, err := encodePayload(e.Payload)
	if err != nil {
		return nil, err
	}
	var wrapped []byte
	wrapped = writeField(wrapped, tag, payloadBytes)
	buf = writeField(buf, fieldEnvelopePayload, wrapped)
	return buf, nil
}

// Decode parses a binary wire message into an Envelope, or returns a
// *ProtocolError describing why it could not.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, errEmptyInput()
	}

	e := &Envelope{}
	havePayload := false
	offset := 0
	for offset < len(data) {
		tag, value, n, err := readField(data[offset:])
		if err != nil {
			return nil, err
		}
		offset += n

		switch tag {
		case fieldEnvelopeCorrelationID:
			e.CorrelationID = string(value)
		case fieldEnvelopeType:
			v, err := varintValue(value)
			if err != nil {
				return nil, err
			}
			e.Type = MessageType(v)
		case fieldEnvelopeTimestamp:
			v, err := varintValue(value)
			if err != nil {
				return nil, err
			}
			e.TimestampMs = int64(v)
		case fieldEnvelopePayload:
			p, err := decodePayload(value)
			if err != nil {
				return nil, err
			}
			e.Payload = p
			havePayload = true
		default:
			// unknown field, ignore (forward compatibility)
		}
	}

	if !havePayload {
		return nil, errMissingPayload()
	}
	return e, nil
}

// encodePayload serializes a payload variant and returns the bytes plus the
// union discriminator tag it must be wrapped under.
func encodePayload(p Payload) (value []byte, tag int, err error) {
	switch v := p.(type) {
	case RequestPayload:
		return encodeRequestPayload(&v), discriminatorRequest, nil
	case *RequestPayload:
		return encodeRequestPayload(v), discriminatorRequest, nil
	case ResponsePayload:
		return encodeResponsePayload(&v), discriminatorResponse, nil
	case *ResponsePayload:
		return encodeResponsePayload(v), discriminatorResponse, nil
	case ErrorPayload:
		return encodeErrorPayload(&v), discriminatorError, nil
	case *ErrorPayload:
		return encodeErrorPayload(v), discriminatorError, nil
	case ControlPayload:
		return encodeControlPayload(&v), discriminatorControl, nil
	case *ControlPayload:
		return encodeControlPayload(v), discriminatorControl, nil
	case WebSocketFramePayload:
		return encodeFramePayload(&v), discriminatorWebSocketFrame, nil
	case *WebSocketFramePayload:
		return encodeFramePayload(v), discriminatorWebSocketFrame, nil
	default:
		return nil, 0, &ProtocolError{Reason: "unsupported payload type"}
	}
}

// decodePayload reads the union wrapper (one tagged entry) and dispatches to
// the variant decoder named by its discriminator.
func decodePayload(wrapped []byte) (Payload, error) {
	// Trailing bytes after the single union entry are tolerated as unknown
	// fields, same as any other tag-length-value stream.
	tag, value, _, err := readField(wrapped)
	if err != nil {
		return nil, err
	}

	switch tag {
	case discriminatorRequest:
		return decodeRequestPayload(value)
	case discriminatorResponse:
		return decodeResponsePayload(value)
	case discriminatorError:
		return decodeErrorPayload(value)
	case discriminatorControl:
		return decodeControlPayload(value)
	case discriminatorWebSocketFrame:
		return decodeFramePayload(value)
	default:
		return nil, errUnknownDiscriminator(tag)
	}
}

func encodeRequestPayload(p *RequestPayload) []byte {
	var buf []byte
	buf = writeField(buf, fieldRequestMethod, []byte(p.Method))
	buf = writeField(buf, fieldRequestPath, []byte(p.Path))
	buf = writeField(buf, fieldRequestHeaders, encodeMap(p.Headers))
	buf = writeField(buf, fieldRequestQuery, encodeMap(p.Query))
	buf = writeField(buf, fieldRequestBody, p.Body)
	buf = writeField(buf, fieldRequestWebSocketUpgrade, boolField(p.WebSocketUpgrade))
	return buf
}

func decodeRequestPayload(data []byte) (*RequestPayload, error) {
	p := &RequestPayload{}
	offset := 0
	for offset < len(data) {
		tag, value, n, err := readField(data[offset:])
		if err != nil {
			return nil, err
		}
		offset += n
		switch tag {
		case fieldRequestMethod:
			p.Method = string(value)
		case fieldRequestPath:
			p.Path = string(value)
		case fieldRequestHeaders:
			m, err := decodeMap(value)
			if err != nil {
				return nil, err
			}
			p.Headers = m
		case fieldRequestQuery:
			m, err := decodeMap(value)
			if err != nil {
				return nil, err
			}
			p.Query = m
		case fieldRequestBody:
			p.Body = append([]byte(nil), value...)
		case fieldRequestWebSocketUpgrade:
			p.WebSocketUpgrade = boolValue(value)
		}
	}
	return p, nil
}

func encodeResponsePayload(p *ResponsePayload) []byte {
	var buf []byte
	buf = writeField(buf, fieldResponseStatusCode, varintField(uint64(p.StatusCode)))
	buf = writeField(buf, fieldResponseHeaders, encodeMap(p.Headers))
	buf = writeField(buf, fieldResponseBody, p.Body)
	return buf
}

func decodeResponsePayload(data []byte) (*ResponsePayload, error) {
	p := &ResponsePayload{}
	offset := 0
	for offset < len(data) {
		tag, value, n, err := readField(data[offset:])
		if err != nil {
			return nil, err
		}
		offset += n
		switch tag {
		case fieldResponseStatusCode:
			v, err := varintValue(value)
			if err != nil {
				return nil, err
			}
			p.StatusCode = int(v)
		case fieldResponseHeaders:
			m, err := decodeMap(value)
			if err != nil {
				return nil, err
			}
			p.Headers = m
		case fieldResponseBody:
			p.Body = append([]byte(nil), value...)
		}
	}
	return p, nil
}

func encodeErrorPayload(p *ErrorPayload) []byte {
	var buf []byte
	buf = writeField(buf, fieldErrorCode, varintField(uint64(p.Code)))
	buf = writeField(buf, fieldErrorMessage, []byte(p.Message))
	return buf
}

func decodeErrorPayload(data []byte) (*ErrorPayload, error) {
	p := &ErrorPayload{}
	offset := 0
	for offset < len(data) {
		tag, value, n, err := readField(data[offset:])
		if err != nil {
			return nil, err
		}
		offset += n
		switch tag {
		case fieldErrorCode:
			v, err := varintValue(value)
			if err != nil {
				return nil, err
			}
			p.Code = ErrorCode(v)
		case fieldErrorMessage:
			p.Message = string(value)
		}
	}
	return p, nil
}

func encodeControlPayload(p *ControlPayload) []byte {
	var buf []byte
	buf = writeField(buf, fieldControlAction, varintField(uint64(p.Action)))
	buf = writeField(buf, fieldControlSubdomain, []byte(p.Subdomain))
	buf = writeField(buf, fieldControlPublicURL, []byte(p.PublicURL))
	return buf
}

func decodeControlPayload(data []byte) (*ControlPayload, error) {
	p := &ControlPayload{}
	offset := 0
	for offset < len(data) {
		tag, value, n, err := readField(data[offset:])
		if err != nil {
			return nil, err
		}
		offset += n
		switch tag {
		case fieldControlAction:
			v, err := varintValue(value)
			if err != nil {
				return nil, err
			}
			p.Action = ControlAction(v)
		case fieldControlSubdomain:
			p.Subdomain = string(value)
		case fieldControlPublicURL:
			p.PublicURL = string(value)
		}
	}
	return p, nil
}

func encodeFramePayload(p *WebSocketFramePayload) []byte {
	var buf []byte
	buf = writeField(buf, fieldFrameType, varintField(uint64(p.Type)))
	buf = writeField(buf, fieldFrameData, p.Data)
	buf = writeField(buf, fieldFrameIsBinary, boolField(p.IsBinary))
	buf = writeField(buf, fieldFrameCloseCode, varintField(uint64(p.CloseCode)))
	buf = writeField(buf, fieldFrameCloseReason, []byte(p.CloseReason))
	return buf
}

func decodeFramePayload(data []byte) (*WebSocketFramePayload, error) {
	p := &WebSocketFramePayload{}
	offset := 0
	for offset < len(data) {
		tag, value, n, err := readField(data[offset:])
		if err != nil {
			return nil, err
		}
		offset += n
		switch tag {
		case fieldFrameType:
			v, err := varintValue(value)
			if err != nil {
				return nil, err
			}
			p.Type = FrameType(v)
		case fieldFrameData:
			p.Data = append([]byte(nil), value...)
		case fieldFrameIsBinary:
			p.IsBinary = boolValue(value)
		case fieldFrameCloseCode:
			v, err := varintValue(value)
			if err != nil {
				return nil, err
			}
			p.CloseCode = int(v)
		case fieldFrameCloseReason:
			p.CloseReason = string(value)
		}
	}
	return p, nil
}
