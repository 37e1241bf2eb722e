package room

import "encoding/json"

// Wire shapes are single flat JSON objects carried in UTF-8 text frames.
//
// Client -> server:
//
//	{"name": string}     registration, accepted only while unregistered
//	{"message": string}  chat, accepted only while registered
//	{"type": "ping"}     keepalive, accepted any time
//
// Server -> client:
//
//	{"ready": true} {"joined": name} {"quit": name} {"error": string}
//	{"type": "pong"} and chat messages of the StoredMessage shape.
type inboundFrame struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

func parseInbound(data []byte) (inboundFrame, error) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return inboundFrame{}, err
	}
	return in, nil
}

func readyFrame() []byte { return []byte(`{"ready":true}`) }

func pongFrame() []byte { return []byte(`{"type":"pong"}`) }

func errorFrame(msg string) []byte {
	b, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: msg})
	return b
}

func joinedFrame(name string) []byte {
	b, _ := json.Marshal(struct {
		Joined string `json:"joined"`
	}{Joined: name})
	return b
}

func quitFrame(name string) []byte {
	b, _ := json.Marshal(struct {
		Quit string `json:"quit"`
	}{Quit: name})
	return b
}

func chatFrame(m StoredMessage) []byte {
	b, _ := json.Marshal(m)
	return b
}

// truncateRunes bounds s to max runes. Over-length input is truncated, never
// rejected.
func truncateRunes(s string, max int) string {
	rs := []rune(s)
	if len(rs) <= max {
		return s
	}
	return string(rs[:max])
}
