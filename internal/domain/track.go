package domain

// TrackInfo is the read-only identity record a sink persists for one
// audio contributor (no transport fields).
type TrackInfo struct {
	Track      uint32 `json:"track"`
	Name       string `json:"name"`
	DataType   string `json:"dtype"`
	Continuous bool   `json:"continuous"`
}
