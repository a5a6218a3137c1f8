package directory

import (
	"encoding/json"
)

// Device is a customer device as reported by the device directory. The
// device-level AccessToken is unrelated to the telemetry credential and is
// never rendered back to API clients.
type Device struct {
	DeviceUUID  string
	AccessToken string
	Name        string
	Attributes  map[string]interface{} // any other fields the directory returns
}

var knownFields = map[string]struct{}{
	"deviceUUID":  {},
	"accessToken": {},
	"name":        {},
}

// UnmarshalJSON keeps unknown fields in Attributes
func (d *Device) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var known struct {
		DeviceUUID  string `json:"deviceUUID"`
		AccessToken string `json:"accessToken"`
		Name        string `json:"name"`
	}
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}

	d.DeviceUUID = known.DeviceUUID
	d.AccessToken = known.AccessToken
	d.Name = known.Name
	d.Attributes = make(map[string]interface{})

	for key, raw := range fields {
		if _, ok := knownFields[key]; ok {
			continue
		}
		var value interface{}
		if err := json.Unmarshal(raw, &value); err != nil {
			return err
		}
		d.Attributes[key] = value
	}
	return nil
}

// MarshalJSON flattens Attributes next to the identifying fields and omits AccessToken
func (d Device) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(d.Attributes)+2)
	for key, value := range d.Attributes {
		if _, ok := knownFields[key]; ok {
			continue
		}
		out[key] = value
	}
	out["deviceUUID"] = d.DeviceUUID
	out["name"] = d.Name
	return json.Marshal(out)
}

// Summary is the short form attached to time-series responses
func (d Device) Summary() map[string]string {
	return map[string]string{
		"deviceUUID": d.DeviceUUID,
		"name":       d.Name,
	}
}
