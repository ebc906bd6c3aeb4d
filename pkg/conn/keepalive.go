package conn

import (
	"bytes"
	"encoding/json"
)

const (
	pingType = "ping"
	pongType = "pong"
)

// keepalive is the application-level heartbeat both peers exchange as text
// frames. It never reaches OnMessage.
type keepalive struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq,omitempty"`
}

var typeKey = []byte(`"type"`)

func parseKeepalive(data []byte) (keepalive, bool) {
	if !bytes.Contains(data, typeKey) {
		return keepalive{}, false
	}
	var ka keepalive
	if err := json.Unmarshal(data, &ka); err != nil {
		return keepalive{}, false
	}
	return ka, ka.Type == pingType || ka.Type == pongType
}
