package media

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

var (
	// ErrNoAudioMedia is returned when an offer has no usable audio stream.
	ErrNoAudioMedia = errors.New("offer has no active audio media")

	// ErrNoCompatibleCodec is returned when the offer lists neither PCMU nor PCMA.
	ErrNoCompatibleCodec = errors.New("offer has no compatible codec")
)

// StreamParams is the outcome of codec negotiation for one call.
type StreamParams struct {
	Remote *net.UDPAddr
	Codec  Codec
	Ptime  time.Duration
}

// ParseOffer unmarshals an SDP body.
func ParseOffer(body []byte) (*sdp.SessionDescription, error) {
	if len(body) == 0 {
		return nil, errors.New("empty sdp body")
	}
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}
	return &sd, nil
}

// Negotiate selects the first G.711 codec of the first active audio stream
// in offer order and resolves the remote RTP address.
func Negotiate(offer *sdp.SessionDescription) (StreamParams, error) {
	for _, md := range offer.MediaDescriptions {
		if md.MediaName.Media != "audio" || md.MediaName.Port.Value == 0 {
			continue
		}
		if !strings.HasPrefix(strings.Join(md.MediaName.Protos, "/"), "RTP/AVP") {
			continue
		}

		conn := md.ConnectionInformation
		if conn == nil {
			conn = offer.ConnectionInformation
		}
		if conn == nil || conn.Address == nil {
			return StreamParams{}, errors.New("audio media has no connection address")
		}
		ip := net.ParseIP(conn.Address.Address)
		if ip == nil {
			addrs, err := net.LookupIP(conn.Address.Address)
			if err != nil || len(addrs) == 0 {
				return StreamParams{}, fmt.Errorf("resolving connection address %q: %w", conn.Address.Address, err)
			}
			ip = addrs[0]
		}

		codec, err := pickCodec(offer, md)
		if err != nil {
			return StreamParams{}, err
		}

		ptime := FrameDuration
		if v, ok := md.Attribute("ptime"); ok {
			if ms, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && ms > 0 {
				ptime = time.Duration(ms) * time.Millisecond
			}
		}

		return StreamParams{
			Remote: &net.UDPAddr{IP: ip, Port: md.MediaName.Port.Value},
			Codec:  codec,
			Ptime:  ptime,
		}, nil
	}
	return StreamParams{}, ErrNoAudioMedia
}

func pickCodec(offer *sdp.SessionDescription, md *sdp.MediaDescription) (Codec, error) {
	for _, format := range md.MediaName.Formats {
		pt, err := strconv.ParseUint(format, 10, 8)
		if err != nil {
			continue
		}
		if info, err := offer.GetCodecForPayloadType(uint8(pt)); err == nil {
			if info.ClockRate != ClockRate {
				continue
			}
			switch strings.ToUpper(info.Name) {
			case "PCMU":
				return Codec{PayloadType: uint8(pt), Name: "PCMU"}, nil
			case "PCMA":
				return Codec{PayloadType: uint8(pt), Name: "PCMA"}, nil
			}
			continue
		}
		// Static payload types may be offered without an rtpmap line.
		if c, err := CodecFor(uint8(pt)); err == nil {
			return c, nil
		}
	}
	return Codec{}, ErrNoCompatibleCodec
}

// BuildAnswer returns an SDP answer offering exactly the negotiated codec
// on ip:port.
func BuildAnswer(ip string, port int, params StreamParams, sessionID uint64) ([]byte, error) {
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ip,
		},
		SessionName: "answermachine",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: ip},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	md = md.WithCodec(params.Codec.PayloadType, params.Codec.Name, ClockRate, 0, "")
	md = md.WithValueAttribute("ptime", strconv.Itoa(int(FrameDuration/time.Millisecond)))
	md = md.WithPropertyAttribute("sendrecv")
	sd.MediaDescriptions = []*sdp.MediaDescription{md}

	out, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshalling sdp answer: %w", err)
	}
	return out, nil
}
