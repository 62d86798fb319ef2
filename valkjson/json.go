package valkjson

import (
	"encoding/json"
	"io"
	"runtime"

	"github.com/bytedance/sonic"
	jsoniter "github.com/json-iterator/go"
)

const UseSonic = runtime.GOARCH == "amd64" && runtime.GOOS == "linux"

// RawMessage is a raw encoded JSON value.
type RawMessage = json.RawMessage

func Unmarshal(data []byte, v any) error {
	if UseSonic {
		return sonic.Unmarshal(data, v)
	}

	return jsoniter.Unmarshal(data, v)
}

func Marshal(v any) ([]byte, error) {
	if UseSonic {
		return sonic.Marshal(v)
	}

	return jsoniter.Marshal(v)
}

func MarshalToWriter(writer io.Writer, v any) error {
	if UseSonic {
		return sonic.ConfigDefault.NewEncoder(writer).Encode(v)
	}

	return jsoniter.NewEncoder(writer).Encode(v)
}

// GetString returns the top level key of a JSON object as a string, without
// decoding the rest of the document. Booleans and numbers are formatted.
func GetString(data []byte, key string) (string, bool) {
	value := jsoniter.Get(data, key)
	if value.LastError() != nil {
		return "", false
	}

	switch value.ValueType() {
	case jsoniter.InvalidValue, jsoniter.NilValue:
		return "", false
	default:
		return value.ToString(), true
	}
}
