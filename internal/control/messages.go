// Package control implements the mTLS control server and client from
// spec.md §4.5-4.6: the trusted-peer-only WebSocket channel that carries
// noise events and WebRTC stream signaling, and the HTTP endpoints that sit
// alongside it.
package control

// Message type tags for the WebSocket channel, per spec.md §4.5.
const (
	TypeNoiseEvent           = "NOISE_EVENT"
	TypeStartStreamRequest   = "START_STREAM_REQUEST"
	TypeStartStreamResponse  = "START_STREAM_RESPONSE"
	TypeWebRTCOffer          = "WEBRTC_OFFER"
	TypeWebRTCAnswer         = "WEBRTC_ANSWER"
	TypeWebRTCICE            = "WEBRTC_ICE"
	TypeEndStream            = "END_STREAM"
	TypePinStream            = "PIN_STREAM"
	TypePing                 = "PING"
	TypePong                 = "PONG"
)

// Envelope peeks at the "type" tag shared by every control channel message
// before unmarshalling the rest into the matching concrete struct.
type Envelope struct {
	Type string `json:"type"`
}

// NoiseEvent is broadcast to every trusted, connected listener on detection.
type NoiseEvent struct {
	Type         string `json:"type"`
	TimestampMs  int64  `json:"timestampMs"`
	PeakLevel    int    `json:"peakLevel"`
}

// StartStreamRequest asks the monitor to begin a WebRTC audio/video session.
type StartStreamRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// StartStreamResponse answers a StartStreamRequest.
type StartStreamResponse struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
}

// WebRTCOffer/Answer carry SDP; WebRTCICE carries a trickled candidate. All
// three are scoped to a single stream session.
type WebRTCOffer struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	SDP       string `json:"sdp"`
}

type WebRTCAnswer struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	SDP       string `json:"sdp"`
}

type WebRTCICE struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Candidate string `json:"candidate"`
}

// EndStream tears a stream session down from either side.
type EndStream struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// PinStream asks the monitor to keep a stream alive past its normal idle
// window (e.g. the listener has pinned the live view to the foreground).
type PinStream struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// Ping/Pong are the application-level heartbeat, independent of WebSocket
// control frames (which are also answered, per spec.md §4.5).
type Ping struct {
	Type string `json:"type"`
}

type Pong struct {
	Type string `json:"type"`
}
