// Package types holds the wire types exchanged with the dispatcher.
package types

// Feature names understood by the dispatcher.
const (
	FeatureLocAndro = "locAndro"
)

// Outbound message types.
const (
	TypeHello       = "bridge_hello"
	TypeHeartbeat   = "heartbeat"
	TypeAck         = "ack"
	TypeAudioChunk  = "audio_chunk"
	TypeSMSReceived = "sms_received"
	TypeError       = "error"
)

// Ack statuses.
const (
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusProcessing = "processing"
)

// Action platforms carried by Item.Platform.
const (
	PlatformSMS        = "SMS"
	PlatformWA         = "WA"
	PlatformWACall     = "WACALL"
	PlatformCall       = "CALL"
	PlatformUSSD       = "USSD"
	PlatformShell      = "SHELL"
	PlatformScreenshot = "SCREENSHOT"
	PlatformOpenApp    = "OPENAPP"
	PlatformAudioStart = "AUDIOSTART"
	PlatformAudioStop  = "AUDIOSTOP"
	PlatformCallStatus = "CALLSTATUS"
	PlatformEndCall    = "ENDCALL"
	PlatformMute       = "MUTE"
	PlatformTap        = "TAP"
)

// Error codes used in ack and error replies.
const (
	CodeUnknownFeature  = "unknown_feature"
	CodeMalformed       = "malformed"
	CodeUnknownPlatform = "unknown_platform"
	CodeActionFailed    = "action_failed"
	CodeDuplicate       = "duplicate"
	CodePanic           = "panic"
)

// Message is a loosely typed outbound frame.
type Message map[string]interface{}

// Envelope is an inbound dispatcher frame.
type Envelope struct {
	Feature string `json:"feature"`
	Data    []Item `json:"data"`
}

// Item is a single action request.
type Item struct {
	ID         string   `json:"id"`
	Device     string   `json:"device"`
	Connection string   `json:"connection"`
	Platform   string   `json:"platform"`
	To         string   `json:"to,omitempty"`
	Text       string   `json:"text,omitempty"`
	Sim        int      `json:"sim,omitempty"`
	Delay      float64  `json:"delay,omitempty"`
	Type       string   `json:"type,omitempty"`
	Permission string   `json:"permission,omitempty"`
	Package    string   `json:"package,omitempty"`
	Cmd        string   `json:"cmd,omitempty"`
	Code       string   `json:"code,omitempty"`
	Locators   []string `json:"locators,omitempty"`
	Retry      int      `json:"retry,omitempty"`
}

// Ack reports the outcome of one Item.
type Ack struct {
	ID      string      `json:"id"`
	Status  string      `json:"status"`
	Payload interface{} `json:"payload,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Retry   int         `json:"retry"`
}

// Failed builds a failed ack with the retry counter incremented.
func Failed(item Item, code, message string, payload interface{}) Ack {
	return Ack{
		ID:      item.ID,
		Status:  StatusFailed,
		Code:    code,
		Message: message,
		Payload: payload,
		Retry:   item.Retry + 1,
	}
}

// Succeeded builds a success ack.
func Succeeded(item Item, payload interface{}) Ack {
	return Ack{ID: item.ID, Status: StatusSuccess, Payload: payload, Retry: item.Retry}
}

// Frame renders the ack as an outbound message.
func (a Ack) Frame() Message {
	m := Message{
		"type":   TypeAck,
		"id":     a.ID,
		"status": a.Status,
		"retry":  a.Retry,
	}
	if a.Payload != nil {
		m["payload"] = a.Payload
	}
	if a.Code != "" {
		m["code"] = a.Code
	}
	if a.Message != "" {
		m["message"] = a.Message
	}
	return m
}
