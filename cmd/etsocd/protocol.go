package main

import (
	"encoding/json"
	"net"
)

// request is one newline-framed JSON control-socket message, the userspace
// stand-in for an ioctl(2) call: Op names the ioctl table entry (spec §6)
// to invoke, and the remaining fields are its arguments, left zero when
// the op doesn't need them.
type request struct {
	Op        string `json:"op"`
	Idx       int    `json:"idx,omitempty"`
	Flags     uint8  `json:"flags,omitempty"`
	Msg       string `json:"msg,omitempty"`       // base64, PUSH_SQ payload
	Offset    int    `json:"offset,omitempty"`
	Length    int    `json:"length,omitempty"`
	TraceType uint8  `json:"trace_type,omitempty"`
	Threshold uint64 `json:"threshold,omitempty"`
	Data      string `json:"data,omitempty"` // base64, FW_UPDATE payload
}

// response carries either a result or an error, never both; Result is
// deferred JSON so dispatchNode/dispatchReset can return any concrete
// shape without response needing to know it.
type response struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func okResponse(v any) response {
	raw, err := json.Marshal(v)
	if err != nil {
		return response{OK: false, Error: err.Error()}
	}
	return response{OK: true, Result: raw}
}

func errResponse(err error) response {
	return response{OK: false, Error: err.Error()}
}

// call sends req over conn and waits for the matching response, the
// client-side half of the protocol serve's acceptLoop speaks.
func call(conn net.Conn, req request) (*response, error) {
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, err
	}
	var resp response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
