package store

import "encoding/json"

// storedEntity is the value layout used by the bbolt and NATS backends.
type storedEntity struct {
	Done bool   `json:"done"`
	Data []byte `json:"data,omitempty"`
}

func encodeEntity(e Entity) ([]byte, error) {
	return json.Marshal(storedEntity{Done: e.Done, Data: e.Data})
}

func decodeEntity(key Key, raw []byte, rev uint64) (*Entity, error) {
	var se storedEntity
	if err := json.Unmarshal(raw, &se); err != nil {
		return nil, err
	}
	return &Entity{Key: key, Data: se.Data, Done: se.Done, Revision: rev}, nil
}
