package main

import (
	"fmt"
	"net"

	"github.com/etsoc/etsoc-driver/config"
)

// dial connects to the control socket serve listens on for devnum's given
// node ("mgmt" or "ops").
func dial(cfg *config.Config, devnum int, nodeKind string) (net.Conn, error) {
	path := socketPath(cfg.SocketDir, devnum, nodeKind)
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("etsocd: dial %s: %w (is `etsocd serve` running?)", path, err)
	}
	return conn, nil
}
