package cipher

import "github.com/mitchellh/mapstructure"

// decodeEnvelope decodes a generic map[string]interface{} parsed from
// device JSON into a typed envelope, rather than hand-walking type
// assertions for "protocol", "t", and "data".
func decodeEnvelope(m map[string]interface{}, out *envelope) error {
	return mapstructure.Decode(m, out)
}
