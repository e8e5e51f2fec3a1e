// Package debugnet exports the sysfs-equivalent telemetry groups of
// spec §6 (Mgmt/Ops VQ stats, error stats, memory stats, reset config) as
// read-only JSON over a gvisor netstack bound to its own loopback NIC —
// useful when cmd/etsocd runs in a sandbox with no host network stack to
// bind an ordinary net/http listener to.
//
// Grounded on example/usb_ethernet.go's configureNetworkStack (stack.New +
// CreateNIC + AddAddress + SetRouteTable) and example/web_server.go's
// gonet.NewListener + http.Server pairing, both redirected from serving
// USB-Ethernet demo traffic to serving device.Instance's telemetry.
//
// https://github.com/etsoc/etsoc-driver
package debugnet

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/link/loopback"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/etsoc/etsoc-driver/device"
)

// nicID is the sole NIC debugnet creates: one loopback link, never a real
// network interface.
const nicID = tcpip.NICID(1)

// Server binds an HTTP mux serving inst's telemetry to a gvisor netstack's
// loopback NIC.
type Server struct {
	stack *stack.Stack
	http  *http.Server
	addr  tcpip.Address
	port  uint16
	log   *log.Logger
}

// New builds a Server bound to addr:port on its own loopback-only stack.
// inst must outlive the Server, since every request reads live from it.
func New(inst *device.Instance, addr tcpip.Address, port uint16, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}

	s := stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocol{ipv4.NewProtocol()},
	})

	if err := s.CreateNIC(nicID, loopback.New()); err != nil {
		return nil, fmt.Errorf("debugnet: create loopback nic: %v", err)
	}
	if err := s.AddAddress(nicID, ipv4.ProtocolNumber, addr); err != nil {
		return nil, fmt.Errorf("debugnet: add address %s: %v", addr, err)
	}

	subnet, err := tcpip.NewSubnet(tcpip.AddrFromSlice(make([]byte, len(addr.AsSlice()))), tcpip.MaskFromBytes(make([]byte, len(addr.AsSlice()))))
	if err != nil {
		return nil, fmt.Errorf("debugnet: subnet: %v", err)
	}
	s.SetRouteTable([]tcpip.Route{{Destination: subnet, NIC: nicID}})

	srv := &Server{stack: s, addr: addr, port: port, log: logger}
	srv.http = &http.Server{Handler: newMux(inst)}
	return srv, nil
}

// Serve listens on the loopback stack and blocks serving HTTP requests
// until the listener is closed (by Shutdown or a netstack-level error).
func (s *Server) Serve() error {
	fullAddr := tcpip.FullAddress{Addr: s.addr, Port: s.port, NIC: nicID}
	listener, err := gonet.NewListener(s.stack, fullAddr, ipv4.ProtocolNumber)
	if err != nil {
		return fmt.Errorf("debugnet: listen %s:%d: %v", s.addr, s.port, err)
	}
	s.log.Printf("debugnet: serving telemetry on %s:%d (loopback stack)", s.addr, s.port)
	return s.http.Serve(listener)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func newMux(inst *device.Instance) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/telemetry/mgmt", jsonHandler(func() any { return vqStatsPayloadOf(inst.Mgmt.Stats) }))
	mux.HandleFunc("/telemetry/ops", jsonHandler(func() any { return vqStatsPayloadOf(inst.Ops.Stats) }))
	mux.HandleFunc("/telemetry/errors/mgmt", jsonHandler(func() any { return errorStatsPayloadOf(inst.Mgmt.Errors) }))
	mux.HandleFunc("/telemetry/errors/ops", jsonHandler(func() any { return errorStatsPayloadOf(inst.Ops.Errors) }))
	mux.HandleFunc("/telemetry/memory", jsonHandler(func() any { return memStatsPayloadOf(inst) }))
	mux.HandleFunc("/telemetry/reset", jsonHandler(func() any { return resetPayloadOf(inst.ResetConfig) }))
	return mux
}

func jsonHandler(snapshot func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
