package peer

import (
	"fmt"
	"strconv"
	"strings"

	"meshcall/native/internal/domain"

	"github.com/pion/sdp/v3"
)

var allowedAudioCodecs = map[string]bool{
	"opus":            true,
	"pcmu":            true,
	"pcma":            true,
	"telephone-event": true,
	"red":             true,
}

// Static payload types that may appear without an rtpmap line.
var staticAudioPayloadTypes = map[string]string{
	"0": "pcmu",
	"8": "pcma",
}

// RestrictAudio keeps only the allowed audio codecs in every audio section and
// caps the audio bitrate. A zero cap leaves bitrate attributes untouched.
func RestrictAudio(desc domain.SessionDescription, maxAverageBitrate int) (domain.SessionDescription, error) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return desc, fmt.Errorf("parse %s sdp: %w", desc.Type, err)
	}

	for _, media := range parsed.MediaDescriptions {
		if media.MediaName.Media != "audio" {
			continue
		}
		restrictAudioSection(media, maxAverageBitrate)
	}

	out, err := parsed.Marshal()
	if err != nil {
		return desc, fmt.Errorf("marshal %s sdp: %w", desc.Type, err)
	}
	return domain.SessionDescription{Type: desc.Type, SDP: string(out)}, nil
}

func restrictAudioSection(media *sdp.MediaDescription, maxAverageBitrate int) {
	codecs := make(map[string]string)
	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		pt, rest, ok := strings.Cut(attr.Value, " ")
		if !ok {
			continue
		}
		name, _, _ := strings.Cut(rest, "/")
		codecs[pt] = strings.ToLower(name)
	}
	for pt, name := range staticAudioPayloadTypes {
		if _, ok := codecs[pt]; !ok {
			codecs[pt] = name
		}
	}

	keep := map[string]bool{"*": true}
	formats := make([]string, 0, len(media.MediaName.Formats))
	for _, pt := range media.MediaName.Formats {
		if allowedAudioCodecs[codecs[pt]] {
			keep[pt] = true
			formats = append(formats, pt)
		}
	}
	// An m-line needs at least one format.
	if len(formats) == 0 {
		return
	}
	media.MediaName.Formats = formats

	attrs := make([]sdp.Attribute, 0, len(media.Attributes))
	for _, attr := range media.Attributes {
		switch attr.Key {
		case "rtpmap", "fmtp", "rtcp-fb":
			pt, params, _ := strings.Cut(attr.Value, " ")
			if !keep[pt] {
				continue
			}
			if attr.Key == "fmtp" && codecs[pt] == "opus" && maxAverageBitrate > 0 {
				attr.Value = pt + " " + capOpusParams(params, maxAverageBitrate)
			}
		}
		attrs = append(attrs, attr)
	}
	media.Attributes = attrs

	if maxAverageBitrate > 0 {
		bandwidth := make([]sdp.Bandwidth, 0, len(media.Bandwidth)+1)
		for _, b := range media.Bandwidth {
			if b.Type != "AS" {
				bandwidth = append(bandwidth, b)
			}
		}
		kbps := uint64((maxAverageBitrate + 999) / 1000)
		media.Bandwidth = append(bandwidth, sdp.Bandwidth{Type: "AS", Bandwidth: kbps})
	}
}

func capOpusParams(params string, maxAverageBitrate int) string {
	var kept []string
	for _, p := range strings.Split(params, ";") {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "cbr=") || strings.HasPrefix(p, "maxaveragebitrate=") {
			continue
		}
		kept = append(kept, p)
	}
	kept = append(kept, "cbr=1", "maxaveragebitrate="+strconv.Itoa(maxAverageBitrate))
	return strings.Join(kept, ";")
}
