package liveagent

import "github.com/suPer8Hu/eventshim/internal/codec"

const (
	settingsKind    = "liveagent.settings"
	settingsVersion = 1
)

// Settings is the per-session polling cursor.
type Settings struct {
	SessionKey    string `cbor:"1,keyasint"`
	AffinityToken string `cbor:"2,keyasint"`
	Ack           int64  `cbor:"3,keyasint"`
	PollCount     int64  `cbor:"4,keyasint"`
	WorkID        string `cbor:"5,keyasint,omitempty"`
	WorkTargetID  string `cbor:"6,keyasint,omitempty"`
}

func EncodeSettings(s Settings) ([]byte, error) {
	return codec.Encode(settingsKind, settingsVersion, s)
}

func DecodeSettings(b []byte) (Settings, error) {
	var s Settings
	if len(b) == 0 {
		return s, nil
	}
	_, err := codec.Decode(b, settingsKind, &s)
	return s, err
}
