package protocol

// MessageType classifies an Envelope at the top level. Ordinals are pinned
// by the wire format and must never be renumbered.
type MessageType int

const (
	MessageRequest MessageType = 0
	MessageResponse MessageType = 1
	MessageError MessageType = 2
	MessageControl MessageType = 3
)

// ErrorCode classifies an ErrorPayload. Ordinals are pinned by the wire
// format and must never be renumbered.
type ErrorCode int

const (
	ErrorTimeout ErrorCode = 0
	ErrorUpstream ErrorCode = 1
	ErrorInvalidRequest ErrorCode = 2
	ErrorServer ErrorCode = 3
	ErrorRateLimited ErrorCode = 4
	ErrorProtocol ErrorCode = 5
)

// ControlAction classifies a ControlPayload. Ordinals are not pinned by the
// wire format; this module is the sole producer and consumer of them.
type ControlAction int

const (
	ControlRegister ControlAction = 0
	ControlRegistered ControlAction = 1
	ControlUnregister ControlAction = 2
	ControlHeartbeat ControlAction = 3
	ControlStatus ControlAction = 4
)

// FrameType classifies a WebSocketFramePayload. Ordinals are not pinned by
// the wire format; this module is the sole producer and consumer of them.
type FrameType int

const (
	FrameText FrameType = 0
	FrameBinary FrameType = 1
	FramePing FrameType = 2
	FramePong FrameType = 3
	FrameClose FrameType = 4
)

// payloadDiscriminator tags, pinned by the wire format.
const (
	discriminatorRequest = 1
	discriminatorResponse = 2
	discriminatorError = 3
	discriminatorControl = 4
	discriminatorWebSocketFrame = 5
)

// Payload is implemented by every envelope payload variant. It carries no
// methods beyond the marker so the union stays a closed, compile-time-known
// set of variants rather than runtime class inspection.
type Payload interface {
	isPayload()
}

// RequestPayload carries a proxied HTTP request from server to client.
type RequestPayload struct {
	Method string
	Path string
	Headers map[string]string
	Query map[string]string
	Body []byte
	WebSocketUpgrade bool
}

func (RequestPayload) isPayload() {}

// ResponsePayload carries a proxied HTTP response from client to server.
type ResponsePayload struct {
	StatusCode int
	Headers map[string]string
	Body []byte
}

func (ResponsePayload) isPayload() {}

// ErrorPayload reports a failure in place of a RequestPayload/ResponsePayload.
type ErrorPayload struct {
	Code ErrorCode
	Message string
}

func (ErrorPayload) isPayload() {}

// ControlPayload carries tunnel lifecycle signaling.
type ControlPayload struct {
	Action ControlAction
	Subdomain string
	PublicURL string
}

func (ControlPayload) isPayload() {}

// WebSocketFramePayload carries one relayed external-WebSocket frame.
type WebSocketFramePayload struct {
	Type FrameType
	Data []byte
	IsBinary bool
	CloseCode int
	CloseReason string
}

func (WebSocketFramePayload) isPayload() {}

// Envelope is the top-level wire message: a correlation ID binding request
// to response, a coarse type classification, a timestamp, and exactly one
// payload variant.
type Envelope struct {
	CorrelationID string
	Type MessageType
	TimestampMs int64
	Payload Payload
}
