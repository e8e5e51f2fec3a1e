package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"

	"github.com/etsoc/etsoc-driver/device"
	"github.com/etsoc/etsoc-driver/node"
)

// acceptLoop accepts connections on ln and runs handleConn for each until
// ln is closed.
func acceptLoop(inst *device.Instance, n *node.Node, ln net.Listener, logger *log.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Printf("%s: accept: %v", ln.Addr(), err)
			}
			return
		}
		go handleConn(inst, n, conn, logger)
	}
}

// handleConn serves one control-socket connection: a stream of
// newline-framed JSON requests, each answered in turn. "reset" is handled
// against the whole Instance; everything else dispatches against n.
func handleConn(inst *device.Instance, n *node.Node, conn net.Conn, logger *log.Logger) {
	defer conn.Close()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Printf("%s: decode: %v", conn.RemoteAddr(), err)
			}
			return
		}

		var resp response
		if req.Op == "reset" {
			resp = dispatchReset(inst)
		} else {
			resp = dispatchNode(n, req)
		}

		if err := enc.Encode(resp); err != nil {
			logger.Printf("%s: encode: %v", conn.RemoteAddr(), err)
			return
		}
	}
}
