package logging

import (
	"encoding/json"
	"log"
	"time"
)

type Fields struct {
	Service    string `json:"service"`
	OrderID    string `json:"order_id,omitempty"`
	BuyerID    int64  `json:"buyer_id,omitempty"`
	ChargeID   string `json:"charge_id,omitempty"`
	EventID    string `json:"event_id,omitempty"`
	Step       string `json:"step,omitempty"`
	Status     string `json:"status,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Log writes one JSON line. Empty fields are omitted.
func Log(fields Fields) {
	payload := struct {
		Fields
		Timestamp string `json:"timestamp"`
	}{fields, time.Now().UTC().Format(time.RFC3339Nano)}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("{\"service\":%q,\"status\":\"log_error\",\"error\":%q}", fields.Service, err.Error())
		return
	}
	log.Print(string(data))
}

// Err is Log with the error attached.
func Err(fields Fields, err error) {
	if err != nil {
		fields.Error = err.Error()
	}
	Log(fields)
}

func Since(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
