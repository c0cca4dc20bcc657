package protocol

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event tags emitted on the observer channel.
const (
	TypeProgress       = "progress"
	TypeExplosion      = "explosion"
	TypeWinner         = "winner"
	TypeSystemInfo     = "system_info"
	TypeAnalysis       = "analysis"
	TypeAIWaiting      = "ai_waiting"
	TypeAnalysisFailed = "analysis_failed"
)

// The two systems under test.
const (
	SystemAsterisk   = "asterisk"
	SystemFreeSWITCH = "freeswitch"
)

// SystemIDs lists the systems under test in display order.
var SystemIDs = []string{SystemAsterisk, SystemFreeSWITCH}

func IsSystemID(id string) bool {
	for _, s := range SystemIDs {
		if s == id {
			return true
		}
	}
	return false
}

// Other returns the opposing system id, or "" for an unknown id.
func Other(id string) string {
	switch id {
	case SystemAsterisk:
		return SystemFreeSWITCH
	case SystemFreeSWITCH:
		return SystemAsterisk
	}
	return ""
}

type Message struct {
	Type      string              `json:"type"`
	Data      jsoniter.RawMessage `json:"data,omitempty"`
	Timestamp int64               `json:"ts,omitempty"`
	NodeID    string              `json:"node_id,omitempty"`
}

func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

func Decode(data []byte) (*Message, error) {
	msg := &Message{}
	err := json.Unmarshal(data, msg)
	return msg, err
}

func NewMessage(typ string, data interface{}) *Message {
	raw, _ := json.Marshal(data)
	return &Message{Type: typ, Data: raw, Timestamp: time.Now().UnixMilli()}
}

// Status values returned by the explosion endpoint.
const (
	OutcomeExplosion = "explosion"
	OutcomeDuplicate = "duplicate"
	OutcomeWinner    = "winner"
)

type WinnerPayload struct {
	SystemID string          `json:"system_id"`
	Reason   string          `json:"reason"`
	Trigger  *ExplosionEvent `json:"trigger,omitempty"`
}

type WaitingPayload struct {
	RunID   uint64 `json:"run_id"`
	Message string `json:"message"`
}

type AnalysisFailedPayload struct {
	RunID uint64 `json:"run_id"`
	Error string `json:"error"`
}
