package sessionhub

import "encoding/json"

// decodeMap round-trips a generically-unmarshalled JSON object
// (map[string]interface{}, as produced when Frame.Payload is decoded via
// encoding/json into an interface{}) into a concrete payload type.
func decodeMap[T any](m map[string]interface{}) (T, bool) {
	var out T
	data, err := json.Marshal(m)
	if err != nil {
		return out, false
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false
	}
	return out, true
}
