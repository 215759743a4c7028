// Wrap the json library to control encoding. Ordereddicts must
// serialize in key order so trace dumps and golden tests are stable.
package json

import (
	"bytes"

	"github.com/Velocidex/json"
	"github.com/Velocidex/ordereddict"
)

func MarshalJSONDict(v interface{}, opts *json.EncOpts) ([]byte, error) {
	self, ok := v.(*ordereddict.Dict)
	if !ok {
		return nil, json.EncoderCallbackSkip
	}

	result := "{"
	for _, k := range self.Keys() {
		kEscaped, err := json.MarshalWithOptions(k, opts)
		if err != nil {
			continue
		}

		result += string(kEscaped) + ":"

		v, ok := self.Get(k)
		if !ok {
			v = "null"
		}

		vBytes, err := json.MarshalWithOptions(v, opts)
		if err == nil {
			result += string(vBytes) + ","
		} else {
			result += "null,"
		}
	}
	if len(self.Keys()) > 0 {
		result = result[0 : len(result)-1]
	}
	result = result + "}"
	return []byte(result), nil
}

func newEncOpts() *json.EncOpts {
	return json.NewEncOpts().
		WithCallback(ordereddict.NewDict(), MarshalJSONDict)
}

func Marshal(v interface{}) ([]byte, error) {
	return json.MarshalWithOptions(v, newEncOpts())
}

func MarshalIndent(v interface{}) ([]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = json.Indent(&buf, b, "", " ")
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func MustMarshalIndent(v interface{}) []byte {
	result, err := MarshalIndent(v)
	if err != nil {
		panic(err)
	}
	return result
}

func MustMarshalString(v interface{}) string {
	result, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(result)
}

func Unmarshal(b []byte, v interface{}) error {
	return json.Unmarshal(b, v)
}
