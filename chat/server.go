/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package chat is a multi-goroutine UDP chat server. Packets are
// `instruction$ message` pairs; a listener goroutine reads datagrams
// and hands each one to a pooled worker. The server keeps a global
// message history, a per-client history and per-client mute lists, and
// evicts clients that stop answering heartbeats.
package chat

import (
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/bytedance/gopkg/util/gopool"

	"github.com/cloudwego/arenas/internal/hack"
)

// packetSize is the receive buffer size; a longer datagram is
// truncated to it. Outgoing replies are not limited by it.
const packetSize = 1024

const historyDivider = "------------------"

// Options configures a Server.
type Options struct {
	// Addr is the UDP listen address.
	Addr string

	// AdminPort is the source port whose packets may use kick.
	AdminPort int

	// HistoryDepth is the number of lines kept per history ring.
	HistoryDepth int

	// IdleWarn is the idle time after which a client is pinged.
	IdleWarn time.Duration

	// IdleEvict is the idle time after which a client is disconnected.
	IdleEvict time.Duration

	// CleanupInterval is how often idle clients are scanned for.
	CleanupInterval time.Duration
}

// DefaultOptions returns the default values of Options.
func DefaultOptions() *Options {
	return &Options{
		Addr:            ":12000",
		AdminPort:       6666,
		HistoryDepth:    15,
		IdleWarn:        5 * time.Minute,
		IdleEvict:       6 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Server is a UDP chat server. Use NewServer to create one and Serve
// to run its receive loop.
type Server struct {
	opts Options
	conn *net.UDPConn

	mu      sync.Mutex // guards clients, byAddr, global and all client fields
	clients []*client    // registration order
	byAddr  map[string]*client

	global *history

	stop      chan struct{}
	closeOnce sync.Once
}

// NewServer binds the listen socket. Pass nil for the defaults.
func NewServer(o *Options) (*Server, error) {
	if o == nil {
		o = DefaultOptions()
	}
	ua, err := net.ResolveUDPAddr("udp", o.Addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, err
	}
	return &Server{
		opts:   *o,
		conn:   conn,
		byAddr: make(map[string]*client),
		global: newHistory(o.HistoryDepth),
		stop:   make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound UDP address.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Serve reads datagrams and dispatches each one to a pooled worker.
// It returns nil after Close, or the first receive error otherwise.
func (s *Server) Serve() error {
	go s.cleanupLoop()
	for {
		buf := mcache.Malloc(packetSize)
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			mcache.Free(buf)
			select {
			case <-s.stop:
				return nil
			default:
				return err
			}
		}
		pkt := buf[:n]
		gopool.Go(func() {
			defer mcache.Free(buf)
			s.handle(addr, pkt)
		})
	}
}

// Close stops the receive loop and the cleanup goroutine.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return s.conn.Close()
}

// splitCommand parses `instruction$ message`. The returned strings are
// zero-copy views over the packet buffer: copy before retaining.
func splitCommand(pkt []byte) (instr, msg string) {
	p := hack.ByteSliceToString(pkt)
	i := strings.IndexByte(p, '$')
	if i < 0 {
		return p, ""
	}
	instr = p[:i]
	msg = strings.TrimPrefix(p[i+1:], " ")
	if j := strings.IndexByte(msg, '\n'); j >= 0 {
		msg = msg[:j]
	}
	return
}

func (s *Server) handle(addr *net.UDPAddr, pkt []byte) {
	instr, msg := splitCommand(pkt)

	s.mu.Lock()
	sender := s.byAddr[addr.String()]
	if sender != nil {
		sender.lastActive = time.Now()
	}
	s.mu.Unlock()

	if sender == nil && instr != "conn" {
		// commands from unknown addresses are dropped
		return
	}

	switch instr {
	case "conn":
		s.handleConn(addr, sender, msg)
	case "say":
		s.handleSay(sender, msg)
	case "sayto":
		s.handleSayto(sender, msg)
	case "disconn":
		s.handleDisconn(sender)
	case "mute":
		s.handleMute(sender, msg, true)
	case "unmute":
		s.handleMute(sender, msg, false)
	case "rename":
		s.handleRename(sender, msg)
	case "kick":
		s.handleKick(addr, msg)
	case "ret-ping":
		// heartbeat only refreshes lastActive, already done above
	}
}

func (s *Server) handleConn(addr *net.UDPAddr, sender *client, name string) {
	returning := sender != nil

	s.mu.Lock()
	// a disconnected client releases its name to newcomers; its own
	// record stays reachable by address for reconnects
	for _, c := range s.clients {
		if c != sender && c.connected && c.name == name {
			s.mu.Unlock()
			s.send(addr, "Duplicate")
			return
		}
	}
	if sender == nil {
		sender = &client{
			name:    strings.Clone(name),
			addr:    addr,
			history: newHistory(s.opts.HistoryDepth),
			muted:   make(map[*client]struct{}),
		}
		s.clients = append(s.clients, sender)
		s.byAddr[addr.String()] = sender
	}
	sender.connected = true
	sender.lastActive = time.Now()
	globalLines := s.global.lines()
	privateLines := sender.history.lines()
	s.mu.Unlock()

	if returning {
		s.send(addr, "Welcome back, you have successfully connected to the chat\n")
	} else {
		s.send(addr, "ok")
		s.send(addr, fmt.Sprintf("Hi %s, you have successfully connected to the chat\n", name))
	}
	s.send(addr, "Global history:\n")
	for _, l := range globalLines {
		s.send(addr, l)
	}
	s.send(addr, historyDivider)
	if returning {
		s.send(addr, "Private history:\n")
		for _, l := range privateLines {
			s.send(addr, l)
		}
		s.send(addr, historyDivider)
	}
}

// handleSay broadcasts to every connected client that has not muted
// the sender, and records the line in the global history.
func (s *Server) handleSay(sender *client, msg string) {
	line := fmt.Sprintf("%s: %s\n", sender.name, msg)

	s.mu.Lock()
	s.global.push(line)
	targets := make([]*net.UDPAddr, 0, len(s.clients))
	for _, c := range s.clients {
		if !c.connected {
			continue
		}
		if _, ok := c.muted[sender]; ok {
			continue
		}
		targets = append(targets, c.addr)
	}
	s.mu.Unlock()

	for _, a := range targets {
		s.send(a, line)
	}
}

// handleSayto delivers to a single client and records the line in both
// parties' private histories.
func (s *Server) handleSayto(sender *client, msg string) {
	name, text := msg, ""
	if i := strings.IndexByte(msg, ' '); i >= 0 {
		name, text = msg[:i], msg[i+1:]
	}
	if name == "Server" {
		s.send(sender.addr, "Can't send the server a private message\n")
		return
	}

	s.mu.Lock()
	receiver := s.findByName(name)
	if receiver == nil {
		s.mu.Unlock()
		return
	}
	if _, ok := receiver.muted[sender]; ok {
		s.mu.Unlock()
		return
	}
	line := fmt.Sprintf("%s: %s\n", sender.name, text)
	sender.history.push(line)
	receiver.history.push(line)
	addr := receiver.addr
	s.mu.Unlock()

	s.send(addr, line)
}

func (s *Server) handleDisconn(sender *client) {
	s.mu.Lock()
	sender.connected = false
	addr := sender.addr
	s.mu.Unlock()
	s.send(addr, "Disconnected. Bye!\n")
}

func (s *Server) handleMute(sender *client, name string, mute bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.findByName(name)
	if target == nil || target == sender {
		return
	}
	if mute {
		sender.muted[target] = struct{}{}
	} else {
		delete(sender.muted, target)
	}
}

func (s *Server) handleRename(sender *client, name string) {
	if name == "" || strings.ContainsRune(name, ' ') {
		s.send(sender.addr, "Please enter a valid name")
		return
	}
	s.mu.Lock()
	if s.nameTaken(name) {
		s.mu.Unlock()
		s.send(sender.addr, "The name is already in use")
		return
	}
	sender.name = strings.Clone(name)
	s.mu.Unlock()
	s.send(sender.addr, fmt.Sprintf("You are now known as %s\n", name))
}

// handleKick removes a client by name. Only packets arriving from the
// admin source port are honoured; everything else is silently dropped.
func (s *Server) handleKick(addr *net.UDPAddr, name string) {
	if addr.Port != s.opts.AdminPort {
		return
	}

	s.mu.Lock()
	target := s.findByName(name)
	if target == nil {
		s.mu.Unlock()
		return
	}
	target.connected = false
	targetAddr := target.addr
	line := fmt.Sprintf("%s has been removed from the chat\n", target.name)
	targets := make([]*net.UDPAddr, 0, len(s.clients))
	for _, c := range s.clients {
		if c.connected {
			targets = append(targets, c.addr)
		}
	}
	s.mu.Unlock()

	s.send(targetAddr, "You have been removed from the chat")
	for _, a := range targets {
		s.send(a, line)
	}
}

// findByName returns the connected client with the given name; a
// released name left on a disconnected record does not match. The
// caller holds the registry lock.
func (s *Server) findByName(name string) *client {
	for _, c := range s.clients {
		if c.connected && c.name == name {
			return c
		}
	}
	return nil
}

// nameTaken reports whether any record, connected or not, holds the
// name. The caller holds the registry lock.
func (s *Server) nameTaken(name string) bool {
	for _, c := range s.clients {
		if c.name == name {
			return true
		}
	}
	return false
}

// cleanupLoop periodically pings clients idle past the warn threshold
// and disconnects those idle past the evict threshold.
func (s *Server) cleanupLoop() {
	t := time.NewTicker(s.opts.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
		}

		type notice struct {
			addr *net.UDPAddr
			text string
		}
		var out []notice
		now := time.Now()
		s.mu.Lock()
		for _, c := range s.clients {
			if !c.connected {
				continue
			}
			idle := now.Sub(c.lastActive)
			switch {
			case idle > s.opts.IdleEvict:
				c.connected = false
				out = append(out, notice{c.addr, "You have been disconnected from the chat due to inactivity"})
			case idle > s.opts.IdleWarn:
				out = append(out, notice{c.addr, "ping$ You will be disconnected from the chat due to inactivity"})
			}
		}
		s.mu.Unlock()

		for _, n := range out {
			s.send(n.addr, n.text)
		}
	}
}

func (s *Server) send(addr *net.UDPAddr, text string) {
	if _, err := s.conn.WriteToUDP([]byte(text), addr); err != nil {
		log.Printf("chat: send to %s: %v", addr, err)
	}
}
