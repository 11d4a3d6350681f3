package store

import (
	"encoding/json"
	"fmt"

	"github.com/morezero/querypipe/pkg/message"
)

// Table names, also the prefixes of their update message types.
const (
	LoadersName = message.DefaultPrefix + "/loaders"
	DataName    = message.DefaultPrefix + "/data"
)

// Update message types applied by Store.Reduce.
const (
	TypeLoading    = LoadersName + "/loading"
	TypeSuccess    = LoadersName + "/success"
	TypeError      = LoadersName + "/error"
	TypeReset      = LoadersName + "/reset"
	TypeAddData    = DataName + "/add"
	TypeRemoveData = DataName + "/remove"
)

type loaderUpdate struct {
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
}

func loaderMsg(typ, id, msg string) message.Message {
	data, _ := json.Marshal(loaderUpdate{ID: id, Message: msg})
	return message.Message{Type: typ, Data: data}
}

// Loading marks loader id as in flight.
func Loading(id string) message.Message {
	return loaderMsg(TypeLoading, id, "")
}

// Success marks loader id as finished successfully.
func Success(id string) message.Message {
	return loaderMsg(TypeSuccess, id, "")
}

// Error marks loader id as failed with msg.
func Error(id, msg string) message.Message {
	return loaderMsg(TypeError, id, msg)
}

// ResetLoader drops loader id, returning it to idle.
func ResetLoader(id string) message.Message {
	return loaderMsg(TypeReset, id, "")
}

// AddData merges entries into the data table. Values must be valid JSON.
func AddData(entries map[string]json.RawMessage) (message.Message, error) {
	data, err := json.Marshal(entries)
	if err != nil {
		return message.Message{}, fmt.Errorf("%s - failed to encode data entries: %w", logPrefix, err)
	}
	return message.Message{Type: TypeAddData, Data: data}, nil
}

// RemoveData deletes keys from the data table.
func RemoveData(keys ...string) message.Message {
	data, _ := json.Marshal(keys)
	return message.Message{Type: TypeRemoveData, Data: data}
}
