package ws

import "encoding/json"

// Wire frames exchanged with the streaming server. Commands carry an id that
// the server echoes in its reply; pushes arrive without an id.

type command struct {
	ID          int64               `json:"id,omitempty"`
	Connect     *connectRequest     `json:"connect,omitempty"`
	Subscribe   *subscribeRequest   `json:"subscribe,omitempty"`
	Unsubscribe *unsubscribeRequest `json:"unsubscribe,omitempty"`
}

type connectRequest struct {
	Token string `json:"token,omitempty"`
	Name  string `json:"name,omitempty"`
}

type subscribeRequest struct {
	Channel    string `json:"channel"`
	Token      string `json:"token,omitempty"`
	Recover    bool   `json:"recover,omitempty"`
	Positioned bool   `json:"positioned,omitempty"`
	Offset     uint64 `json:"offset,omitempty"`
}

type unsubscribeRequest struct {
	Channel string `json:"channel"`
}

type reply struct {
	ID          int64            `json:"id,omitempty"`
	Error       *replyError      `json:"error,omitempty"`
	Connect     *connectResult   `json:"connect,omitempty"`
	Subscribe   *subscribeResult `json:"subscribe,omitempty"`
	Unsubscribe *struct{}        `json:"unsubscribe,omitempty"`
	Push        *push            `json:"push,omitempty"`
}

type replyError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type connectResult struct {
	Client string `json:"client"`
	Ping   int    `json:"ping"`
}

type subscribeResult struct {
	Recovered  bool   `json:"recovered"`
	Positioned bool   `json:"positioned"`
	Offset     uint64 `json:"offset"`
}

type push struct {
	Channel     string           `json:"channel"`
	Pub         *publication     `json:"pub,omitempty"`
	Unsubscribe *unsubscribePush `json:"unsubscribe,omitempty"`
}

type publication struct {
	Data   json.RawMessage `json:"data"`
	Offset uint64          `json:"offset,omitempty"`
}

type unsubscribePush struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}
