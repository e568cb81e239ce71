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

package chat

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, opts *Options) *Server {
	t.Helper()
	if opts == nil {
		opts = DefaultOptions()
	}
	opts.Addr = "127.0.0.1:0"
	s, err := NewServer(opts)
	require.NoError(t, err)
	go s.Serve()
	t.Cleanup(func() { s.Close() })
	return s
}

type testClient struct {
	t    *testing.T
	conn *net.UDPConn
}

func dialTestClient(t *testing.T, s *Server) *testClient {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, s.LocalAddr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

// dialAdminClient binds a fresh local port first so the server can be
// configured to treat it as the admin source port.
func dialAdminClient(t *testing.T, s *Server, port int) *testClient {
	t.Helper()
	laddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	conn, err := net.DialUDP("udp", laddr, s.LocalAddr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func reservePort(t *testing.T) int {
	t.Helper()
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := l.LocalAddr().(*net.UDPAddr).Port
	l.Close()
	return port
}

func (c *testClient) send(text string) {
	_, err := c.conn.Write([]byte(text))
	require.NoError(c.t, err)
}

func (c *testClient) recv(timeout time.Duration) (string, bool) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 2048)
	n, err := c.conn.Read(buf)
	if err != nil {
		return "", false
	}
	return string(buf[:n]), true
}

// recvUntil drains replies until one contains want or the deadline
// passes.
func (c *testClient) recvUntil(want string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg, ok := c.recv(time.Until(deadline))
		if !ok {
			return false
		}
		if strings.Contains(msg, want) {
			return true
		}
	}
	return false
}

// connect registers the client and drains the greeting and history
// replay so later reads start clean.
func (c *testClient) connect(name string) {
	c.t.Helper()
	c.send("conn$ " + name)
	require.True(c.t, c.recvUntil(historyDivider, 2*time.Second), "no history divider after conn")
}

func TestConnectGreeting(t *testing.T) {
	s := newTestServer(t, nil)
	c := dialTestClient(t, s)

	c.send("conn$ alice")
	assert.True(t, c.recvUntil("ok", 2*time.Second))
	assert.True(t, c.recvUntil("Hi alice, you have successfully connected to the chat", 2*time.Second))
	assert.True(t, c.recvUntil("Global history:", 2*time.Second))
	assert.True(t, c.recvUntil(historyDivider, 2*time.Second))
}

func TestDuplicateNameRejected(t *testing.T) {
	s := newTestServer(t, nil)
	c1 := dialTestClient(t, s)
	c1.connect("alice")

	c2 := dialTestClient(t, s)
	c2.send("conn$ alice")
	assert.True(t, c2.recvUntil("Duplicate", 2*time.Second))
}

func TestBroadcastAndGlobalHistory(t *testing.T) {
	s := newTestServer(t, nil)
	alice := dialTestClient(t, s)
	bob := dialTestClient(t, s)
	alice.connect("alice")
	bob.connect("bob")

	alice.send("say$ hello all")
	assert.True(t, bob.recvUntil("alice: hello all", 2*time.Second))
	assert.True(t, alice.recvUntil("alice: hello all", 2*time.Second), "sender hears its own broadcast")

	// a late joiner gets the line replayed from the global history
	carol := dialTestClient(t, s)
	carol.send("conn$ carol")
	assert.True(t, carol.recvUntil("alice: hello all", 2*time.Second))
}

func TestMuteAndUnmute(t *testing.T) {
	s := newTestServer(t, nil)
	alice := dialTestClient(t, s)
	bob := dialTestClient(t, s)
	alice.connect("alice")
	bob.connect("bob")

	bob.send("mute$ alice")
	time.Sleep(200 * time.Millisecond)

	alice.send("say$ psst")
	assert.False(t, bob.recvUntil("psst", 400*time.Millisecond), "muted sender still delivered")

	bob.send("unmute$ alice")
	time.Sleep(200 * time.Millisecond)

	alice.send("say$ again")
	assert.True(t, bob.recvUntil("alice: again", 2*time.Second))
}

func TestPrivateMessage(t *testing.T) {
	s := newTestServer(t, nil)
	alice := dialTestClient(t, s)
	bob := dialTestClient(t, s)
	carol := dialTestClient(t, s)
	alice.connect("alice")
	bob.connect("bob")
	carol.connect("carol")

	alice.send("sayto$ bob secret")
	assert.True(t, bob.recvUntil("alice: secret", 2*time.Second))
	assert.False(t, carol.recvUntil("secret", 400*time.Millisecond), "private message leaked")

	alice.send("sayto$ Server hi")
	assert.True(t, alice.recvUntil("Can't send the server a private message", 2*time.Second))
}

func TestRename(t *testing.T) {
	s := newTestServer(t, nil)
	alice := dialTestClient(t, s)
	bob := dialTestClient(t, s)
	alice.connect("alice")
	bob.connect("bob")

	alice.send("rename$ alicia")
	assert.True(t, alice.recvUntil("You are now known as alicia", 2*time.Second))

	bob.send("rename$ alicia")
	assert.True(t, bob.recvUntil("The name is already in use", 2*time.Second))

	bob.send("rename$ two words")
	assert.True(t, bob.recvUntil("Please enter a valid name", 2*time.Second))
}

func TestKickRequiresAdminPort(t *testing.T) {
	adminPort := reservePort(t)
	opts := DefaultOptions()
	opts.AdminPort = adminPort
	s := newTestServer(t, opts)

	victim := dialTestClient(t, s)
	victim.connect("victim")
	bystander := dialTestClient(t, s)
	bystander.connect("bystander")

	// a non-admin kick is silently dropped
	bystander.send("kick$ victim")
	assert.False(t, victim.recvUntil("You have been removed", 400*time.Millisecond))

	admin := dialAdminClient(t, s, adminPort)
	admin.connect("admin")
	admin.send("kick$ victim")
	assert.True(t, victim.recvUntil("You have been removed from the chat", 2*time.Second))
	assert.True(t, bystander.recvUntil("victim has been removed from the chat", 2*time.Second))

	// the kicked client no longer receives broadcasts
	bystander.send("say$ anyone here")
	assert.False(t, victim.recvUntil("anyone here", 400*time.Millisecond))
}

func TestDisconnectedNameReusable(t *testing.T) {
	s := newTestServer(t, nil)
	c1 := dialTestClient(t, s)
	c1.connect("alice")

	c1.send("disconn$")
	require.True(t, c1.recvUntil("Disconnected. Bye!", 2*time.Second))

	// the name is released to a newcomer from another address
	c2 := dialTestClient(t, s)
	c2.send("conn$ alice")
	assert.True(t, c2.recvUntil("Hi alice, you have successfully connected to the chat", 2*time.Second))

	// but stays taken for renames
	c3 := dialTestClient(t, s)
	c3.connect("carol")
	c3.send("rename$ alice")
	assert.True(t, c3.recvUntil("The name is already in use", 2*time.Second))
}

func TestReconnectKeepsPrivateHistory(t *testing.T) {
	s := newTestServer(t, nil)
	alice := dialTestClient(t, s)
	bob := dialTestClient(t, s)
	alice.connect("alice")
	bob.connect("bob")

	alice.send("sayto$ bob secret")
	require.True(t, bob.recvUntil("alice: secret", 2*time.Second))

	alice.send("disconn$")
	require.True(t, alice.recvUntil("Disconnected. Bye!", 2*time.Second))

	alice.send("conn$ alice")
	assert.True(t, alice.recvUntil("Welcome back", 2*time.Second))
	assert.True(t, alice.recvUntil("Private history:", 2*time.Second))
	assert.True(t, alice.recvUntil("alice: secret", 2*time.Second))
}

func TestIdleEviction(t *testing.T) {
	opts := DefaultOptions()
	opts.IdleWarn = 100 * time.Millisecond
	opts.IdleEvict = 200 * time.Millisecond
	opts.CleanupInterval = 50 * time.Millisecond
	s := newTestServer(t, opts)

	c := dialTestClient(t, s)
	c.connect("sleepy")

	assert.True(t, c.recvUntil("ping$", 2*time.Second), "no idle warning")
	assert.True(t, c.recvUntil("You have been disconnected from the chat due to inactivity", 2*time.Second))
}

func TestHeartbeatPreventsEviction(t *testing.T) {
	opts := DefaultOptions()
	opts.IdleWarn = 200 * time.Millisecond
	opts.IdleEvict = 600 * time.Millisecond
	opts.CleanupInterval = 50 * time.Millisecond
	s := newTestServer(t, opts)

	c := dialTestClient(t, s)
	c.connect("alive")

	// answer every warning with a heartbeat for longer than the evict
	// threshold: without the heartbeats this client would be gone
	deadline := time.Now().Add(1500 * time.Millisecond)
	evicted := false
	for time.Now().Before(deadline) {
		msg, ok := c.recv(100 * time.Millisecond)
		if ok && strings.Contains(msg, "ping$") {
			c.send("ret-ping$")
		}
		if ok && strings.Contains(msg, "You have been disconnected") {
			evicted = true
		}
	}
	assert.False(t, evicted, "heartbeating client was evicted")
}
