package audio

import "strings"

// DefaultMIMEType tags an artifact whose stream reported no container
const DefaultMIMEType = "audio/webm"

// PreferredMIMETypes is probed in order, first supported wins
var PreferredMIMETypes = []string{
	"audio/webm;codecs=opus",
	"audio/webm",
	"audio/mp4",
	"audio/mp4;codecs=mp4a.40.2",
	"audio/ogg;codecs=opus",
	"audio/wav",
}

// Prober reports whether a container/codec combination can be recorded
type Prober interface {
	Supports(mimeType string) bool
}

// NegotiateMIMEType returns the first preferred type the prober supports, or
// "" to let the platform choose
func NegotiateMIMEType(p Prober) string {
	for _, mimeType := range PreferredMIMETypes {
		if p.Supports(mimeType) {
			return mimeType
		}
	}
	return ""
}

// ExtensionFor maps a MIME type to a file extension the transcription service recognizes
func ExtensionFor(mimeType string) string {
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	switch base {
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	case "audio/ogg":
		return ".ogg"
	case "audio/wav", "audio/wave", "audio/x-wav":
		return ".wav"
	case "audio/mpeg":
		return ".mp3"
	default:
		return ".webm"
	}
}

// MIMETypeForExtension maps a file extension to the MIME type uploaded for it
func MIMETypeForExtension(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "m4a", "mp4":
		return "audio/mp4"
	case "ogg", "oga", "opus":
		return "audio/ogg"
	case "wav":
		return "audio/wav"
	case "mp3", "mpga", "mpeg":
		return "audio/mpeg"
	case "webm":
		return "audio/webm"
	default:
		return ""
	}
}
