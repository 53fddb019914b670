// Package jsoncodec is the JSON codec shared by quarantine artifacts, queue
// metadata and the status API. It keeps encoding/json semantics (sorted map
// keys, HTML escaping) on top of sonic.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

// EncodeIndent writes v to w as indented JSON followed by a newline.
func EncodeIndent(w io.Writer, v any, indent string) error {
	enc := defaultConfig.NewEncoder(w)
	enc.SetIndent("", indent)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}
