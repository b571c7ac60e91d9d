// Package httpremote is a RemoteStore client and its matching HTTP+WebSocket
// server: push/pull over plain JSON via a gorilla/mux REST surface, and a
// live tail over gorilla/websocket with a register/unregister/broadcast hub.
package httpremote

import "github.com/Jaaco/talon/internal/message"

// wireMessage is the JSON shape of a message.Message on the wire. A plain
// struct, not message.Message directly, so the wire format doesn't silently
// change if internal fields are added to Message later.
type wireMessage struct {
	ID              string  `json:"id"`
	Table           string  `json:"table"`
	Row             string  `json:"row"`
	Column          string  `json:"column"`
	DataType        string  `json:"data_type"`
	Value           string  `json:"value"`
	LocalTimestamp  string  `json:"local_timestamp"`
	ServerTimestamp *uint64 `json:"server_timestamp,omitempty"`
	UserID          string  `json:"user_id"`
	ClientID        string  `json:"client_id"`
}

func toWire(m message.Message) wireMessage {
	return wireMessage{
		ID:              m.ID,
		Table:           m.Table,
		Row:             m.Row,
		Column:          m.Column,
		DataType:        m.DataType,
		Value:           m.Value,
		LocalTimestamp:  m.LocalTimestamp,
		ServerTimestamp: m.ServerTimestamp,
		UserID:          m.UserID,
		ClientID:        m.ClientID,
	}
}

func fromWire(w wireMessage) message.Message {
	return message.Message{
		ID:              w.ID,
		Table:           w.Table,
		Row:             w.Row,
		Column:          w.Column,
		DataType:        w.DataType,
		Value:           w.Value,
		LocalTimestamp:  w.LocalTimestamp,
		ServerTimestamp: w.ServerTimestamp,
		UserID:          w.UserID,
		ClientID:        w.ClientID,
	}
}

// batchResponse is the JSON body returned by POST /messages/batch.
type batchResponse struct {
	Accepted []string `json:"accepted"`
}

// sendResponse is the JSON body returned by POST /messages.
type sendResponse struct {
	Accepted bool `json:"accepted"`
}
