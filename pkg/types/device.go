package types

// DeviceInfo is the static hardware description sent in the hello frame.
type DeviceInfo struct {
	Brand   string `json:"brand"`
	Model   string `json:"model"`
	Android string `json:"android"`
}

// SimInfo describes one SIM slot.
type SimInfo struct {
	Slot   int    `json:"slot"`
	IMEI   string `json:"imei,omitempty"`
	Number string `json:"number,omitempty"`
}

// DeviceProfile identifies the device to the dispatcher.
type DeviceProfile struct {
	Platform string     `json:"platform"`
	Device   DeviceInfo `json:"device"`
	Serial   string     `json:"serial,omitempty"`
	IPLocal  string     `json:"ip_local"`
	Sims     []SimInfo  `json:"sims"`
}
