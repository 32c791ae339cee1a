package ejson

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// MarshalJSON implements json.Marshaler so a typed codec's struct can
// hold an ejson.Date field and round-trip it through encoding/json
// directly: {"$date": epoch-ms}.
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Date int64 `json:"$date"`
	}{time.Time(d).UnixMilli()})
}

// UnmarshalJSON implements json.Unmarshaler, accepting the
// {"$date": epoch-ms} wrapper.
func (d *Date) UnmarshalJSON(data []byte) error {
	var wrapper struct {
		Date int64 `json:"$date"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return fmt.Errorf("ejson: decoding $date: %w", err)
	}
	*d = Date(time.UnixMilli(wrapper.Date))
	return nil
}

// MarshalJSON implements json.Marshaler: {"$binary": base64}.
func (b Binary) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Binary string `json:"$binary"`
	}{base64.StdEncoding.EncodeToString(b)})
}

// UnmarshalJSON implements json.Unmarshaler, accepting the
// {"$binary": base64} wrapper.
func (b *Binary) UnmarshalJSON(data []byte) error {
	var wrapper struct {
		Binary string `json:"$binary"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return fmt.Errorf("ejson: decoding $binary: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(wrapper.Binary)
	if err != nil {
		return fmt.Errorf("ejson: decoding $binary payload: %w", err)
	}
	*b = Binary(decoded)
	return nil
}
