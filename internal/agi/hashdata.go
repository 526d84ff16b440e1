package agi

import (
	"fmt"
	"net/url"

	"gopkg.in/yaml.v3"
)

// HashDataVariable is the channel variable that carries the parameters of a
// call originated through the call-file scheduler.
const HashDataVariable = "CALL_HASHDATA"

// SessionKey is the hash-data key holding the external session id.
const SessionKey = "session"

// EncodeHashData serializes data as YAML and query-escapes it so it survives
// a call file and the PBX channel variable as a single line of plain text.
func EncodeHashData(data map[string]any) (string, error) {
	raw, err := yaml.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshaling hash data: %w", err)
	}
	return url.QueryEscape(string(raw)), nil
}

// DecodeHashData reverses EncodeHashData. An empty string decodes to nil.
func DecodeHashData(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := url.QueryUnescape(s)
	if err != nil {
		return nil, fmt.Errorf("unescaping hash data: %w", err)
	}
	var data map[string]any
	if err := yaml.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("unmarshaling hash data: %w", err)
	}
	return data, nil
}
