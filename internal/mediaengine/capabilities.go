package mediaengine

import "strings"

// DefaultCodecs is the router codec set used when none is configured:
// stereo Opus and VP8 with a 1 Mbps start bitrate hint.
func DefaultCodecs() []Codec {
	return []Codec{
		{
			Kind:      KindAudio,
			MimeType:  "audio/opus",
			ClockRate: 48000,
			Channels:  2,
		},
		{
			Kind:      KindVideo,
			MimeType:  "video/VP8",
			ClockRate: 90000,
			Parameters: map[string]any{
				"x-google-start-bitrate": 1000,
			},
		},
	}
}

// RouterCapabilities assigns preferred payload types to codecs that lack one,
// starting at the dynamic range.
func RouterCapabilities(codecs []Codec) Capabilities {
	out := make([]Codec, 0, len(codecs))
	next := uint8(100)
	for _, c := range codecs {
		if c.Kind == "" {
			if k, ok := KindOfMimeType(c.MimeType); ok {
				c.Kind = k
			}
		}
		if c.PreferredPayloadType == 0 {
			c.PreferredPayloadType = next
			next++
		}
		out = append(out, c)
	}
	return Capabilities{Codecs: out}
}

// SupportsProducer reports whether the router can accept media described by
// rtp. The first codec entry is the one being sent.
func SupportsProducer(router Capabilities, kind Kind, rtp RTPParameters) bool {
	if len(rtp.Codecs) == 0 {
		return false
	}
	c := rtp.Codecs[0]
	if k, ok := KindOfMimeType(c.MimeType); !ok || k != kind {
		return false
	}
	_, ok := matchCodec(router, c)
	return ok
}

// CanConsume reports whether a consumer with remote capabilities can receive
// a producer sending rtp through a router with the given capabilities.
func CanConsume(router Capabilities, producer RTPParameters, remote Capabilities) bool {
	if len(producer.Codecs) == 0 {
		return false
	}
	c := producer.Codecs[0]
	if _, ok := matchCodec(router, c); !ok {
		return false
	}
	_, ok := matchCodec(remote, c)
	return ok
}

// ConsumerRTPParameters derives the parameters a consumer will receive,
// rewriting the payload type to the one the remote side prefers.
func ConsumerRTPParameters(producer RTPParameters, remote Capabilities, ssrc uint32) RTPParameters {
	out := RTPParameters{Encodings: []RTPEncoding{{SSRC: ssrc}}}
	if len(producer.Codecs) == 0 {
		return out
	}
	c := producer.Codecs[0]
	if rc, ok := matchCodec(remote, c); ok && rc.PreferredPayloadType != 0 {
		c.PayloadType = rc.PreferredPayloadType
	}
	out.Codecs = []RTPCodecParameters{c}
	return out
}

func matchCodec(caps Capabilities, c RTPCodecParameters) (Codec, bool) {
	for _, candidate := range caps.Codecs {
		if !strings.EqualFold(candidate.MimeType, c.MimeType) {
			continue
		}
		if candidate.ClockRate != 0 && c.ClockRate != 0 && candidate.ClockRate != c.ClockRate {
			continue
		}
		return candidate, true
	}
	return Codec{}, false
}
