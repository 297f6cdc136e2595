package converter

import (
	"encoding/json"
)

type jsonConverter struct{}

func (jc *jsonConverter) To(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jc *jsonConverter) From(data []byte, vptr any) error {
	return json.Unmarshal(data, vptr)
}
