// Copyright 2024 Acnodal Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package multicast sends and receives the agents' UDP multicast
// datagrams. One goroutine (Run) owns both sockets: it writes every
// outbound datagram and hands every inbound one to the handler, in
// order.
package multicast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

const (
	// maxDatagram is the largest UDP payload.
	maxDatagram = 65507

	outboxSize = 256
	inboxSize  = 64
)

// Config says where the multicast group is.
type Config struct {
	// ListenIP is the address that the receive socket binds to.
	ListenIP net.IP
	Group    net.IP
	Port     int

	// Interface is the interface to join the group on. If it's empty
	// the kernel picks one.
	Interface string

	// TTL is the multicast TTL. 1 keeps traffic on the local LAN.
	TTL int
}

// Datagram is one received datagram.
type Datagram struct {
	Data []byte
	Src  net.IP
}

// Transport owns the send and receive sockets.
type Transport struct {
	logger log.Logger
	recv   net.PacketConn
	send   net.PacketConn
	dst    net.Addr

	outbox    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// Open binds the receive socket, joins the group and sets up the send
// socket. Our own datagrams loop back to us.
func Open(ctx context.Context, logger log.Logger, config Config) (*Transport, error) {
	var ifi *net.Interface
	if config.Interface != "" {
		var err error
		if ifi, err = net.InterfaceByName(config.Interface); err != nil {
			return nil, fmt.Errorf("finding multicast interface: %w", err)
		}
	}

	lc := net.ListenConfig{Control: reuseAddr}
	recv, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort(config.ListenIP.String(), strconv.Itoa(config.Port)))
	if err != nil {
		return nil, fmt.Errorf("binding multicast receiver: %w", err)
	}
	if err := ipv4.NewPacketConn(recv).JoinGroup(ifi, &net.UDPAddr{IP: config.Group}); err != nil {
		recv.Close()
		return nil, fmt.Errorf("joining group %s: %w", config.Group, err)
	}

	send, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		recv.Close()
		return nil, fmt.Errorf("opening multicast sender: %w", err)
	}
	pc := ipv4.NewPacketConn(send)
	ttl := config.TTL
	if ttl == 0 {
		ttl = 1
	}
	err = errors.Join(pc.SetMulticastTTL(ttl), pc.SetMulticastLoopback(true))
	if ifi != nil {
		err = errors.Join(err, pc.SetMulticastInterface(ifi))
	}
	if err != nil {
		recv.Close()
		send.Close()
		return nil, fmt.Errorf("configuring multicast sender: %w", err)
	}

	level.Info(logger).Log("op", "open", "group", config.Group, "port", config.Port, "listen", config.ListenIP, "interface", config.Interface)
	return newTransport(logger, recv, send, &net.UDPAddr{IP: config.Group, Port: config.Port}), nil
}

func newTransport(logger log.Logger, recv, send net.PacketConn, dst net.Addr) *Transport {
	return &Transport{
		logger: log.With(logger, "component", "multicast"),
		recv:   recv,
		send:   send,
		dst:    dst,
		outbox: make(chan []byte, outboxSize),
		closed: make(chan struct{}),
	}
}

func reuseAddr(network, address string, c syscall.RawConn) error {
	var opErr error
	if err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return opErr
}

// Send queues data for the group. It never blocks; if the queue is
// full the datagram is dropped, like any other lost datagram.
func (t *Transport) Send(data []byte) bool {
	select {
	case t.outbox <- data:
		return true
	default:
		RecordDropped("outbox_full")
		level.Warn(t.logger).Log("op", "send", "msg", "outbox full, dropping datagram")
		return false
	}
}

// Run is the I/O loop. It returns when ctx is done or the receive
// socket fails.
func (t *Transport) Run(ctx context.Context, handle func(Datagram)) error {
	in := make(chan Datagram, inboxSize)
	errc := make(chan error, 1)
	go t.readForever(in, errc)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-in:
			RecordReceived()
			handle(d)
		case data := <-t.outbox:
			t.write(data)
		case err := <-errc:
			return err
		}
	}
}

func (t *Transport) write(data []byte) {
	if _, err := t.send.WriteTo(data, t.dst); err != nil {
		RecordDropped("send_error")
		level.Error(t.logger).Log("op", "send", "error", err)
		return
	}
	RecordSent()
}

func (t *Transport) readForever(in chan<- Datagram, errc chan<- error) {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := t.recv.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.closed:
			default:
				level.Error(t.logger).Log("op", "receive", "error", err)
				errc <- err
			}
			return
		}

		d := Datagram{Data: append([]byte(nil), buf[:n]...)}
		if udp, ok := addr.(*net.UDPAddr); ok {
			d.Src = udp.IP
		}
		select {
		case in <- d:
		case <-t.closed:
			return
		}
	}
}

// Close closes both sockets. Run stops delivering datagrams.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = errors.Join(t.recv.Close(), t.send.Close())
	})
	return err
}
