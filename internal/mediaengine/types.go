package mediaengine

import (
	"fmt"
	"strings"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindAudio:
		return KindAudio, nil
	case KindVideo:
		return KindVideo, nil
	default:
		return "", fmt.Errorf("invalid media kind %q (expected audio or video)", raw)
	}
}

// KindOfMimeType returns the kind encoded in a mime type such as "video/VP8".
func KindOfMimeType(mimeType string) (Kind, bool) {
	prefix, _, ok := strings.Cut(mimeType, "/")
	if !ok {
		return "", false
	}
	k, err := ParseKind(prefix)
	if err != nil {
		return "", false
	}
	return k, true
}

// Role tags a transport as carrying the peer's own media (sending) or remote
// media (receiving).
type Role string

const (
	RoleSending   Role = "sending"
	RoleReceiving Role = "receiving"
)

// Codec describes one entry of a router's capability set.
type Codec struct {
	Kind                 Kind           `json:"kind"`
	MimeType             string         `json:"mimeType"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
}

// Capabilities is the opaque capability descriptor returned on join and sent
// back by clients when they consume.
type Capabilities struct {
	Codecs []Codec `json:"codecs"`
}

type RTPCodecParameters struct {
	MimeType    string         `json:"mimeType"`
	PayloadType uint8          `json:"payloadType"`
	ClockRate   uint32         `json:"clockRate"`
	Channels    uint16         `json:"channels,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type RTPEncoding struct {
	SSRC uint32 `json:"ssrc,omitempty"`
	RID  string `json:"rid,omitempty"`
}

type RTPParameters struct {
	MID       string               `json:"mid,omitempty"`
	Codecs    []RTPCodecParameters `json:"codecs"`
	Encodings []RTPEncoding        `json:"encodings,omitempty"`
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

func (p DTLSParameters) Validate() error {
	if len(p.Fingerprints) == 0 {
		return fmt.Errorf("%w: missing fingerprints", ErrInvalidParameters)
	}
	for i, fp := range p.Fingerprints {
		if strings.TrimSpace(fp.Algorithm) == "" || strings.TrimSpace(fp.Value) == "" {
			return fmt.Errorf("%w: fingerprints[%d] incomplete", ErrInvalidParameters, i)
		}
	}
	switch p.Role {
	case "", "auto", "client", "server":
		return nil
	default:
		return fmt.Errorf("%w: invalid dtls role %q", ErrInvalidParameters, p.Role)
	}
}

// TransportParams is what a client needs to build its side of a transport.
type TransportParams struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// ConnectParams finalizes a transport. ICE is optional for engines that run
// ICE-lite and learn the remote credentials from the first binding request.
type ConnectParams struct {
	DTLS DTLSParameters
	ICE  *ICEParameters
}
