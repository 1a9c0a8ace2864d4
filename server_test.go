package tonik

import (
	"testing"

	"gopkg.in/irc.v4"

	"git.sr.ht/~chatik/tonik/xirc"
)

// linkSend injects a raw message on a not-yet-established services socket.
func linkSend(srv *Server, c *Client, cmd string, params ...string) {
	srv.handleServicesMessage(c, &irc.Message{Command: cmd, Params: params})
}

func TestServicesHandshake(t *testing.T) {
	srv := newTestServer(t)
	cfg := *srv.Config()
	cfg.ServicesPassword = "linkpass"
	srv.SetConfig(&cfg)

	t.Run("wrongPassword", func(t *testing.T) {
		cc := &recordedConn{}
		c := newClient(srv, cc, srv.Logger)
		linkSend(srv, c, "PASS", "nope")
		linkSend(srv, c, "SERVER", "services.chatik.example", "1", "Services")
		msgs := cc.pop()
		if len(msgs) != 1 {
			t.Fatalf("expected a 464, got %v", msgs)
		}
		assertMessage(t, msgs[0], xirc.ERR_PASSWDMISMATCH, "*", "Password incorrect")
		if !cc.closed {
			t.Error("expected the connection to be closed")
		}
		if c.IsServer() {
			t.Error("the link must not be established")
		}
	})

	t.Run("correctPassword", func(t *testing.T) {
		cc := &recordedConn{}
		c := newClient(srv, cc, srv.Logger)
		linkSend(srv, c, "PASS", "linkpass")
		linkSend(srv, c, "SERVER", "services.chatik.example", "1", "Services")
		assertNoMessages(t, cc)
		if !c.IsServer() {
			t.Fatal("expected the link to be established")
		}
		if srv.services != c {
			t.Error("expected the server to track the link")
		}
	})

	t.Run("encapBeforeHandshakeIsDropped", func(t *testing.T) {
		cc := &recordedConn{}
		c := newClient(srv, cc, srv.Logger)
		target, targetConn := newTestClient(srv, "eve")
		clientSend(srv, target, "AUTHENTICATE", "PLAIN")
		srv.handleServicesMessage(c, &irc.Message{
			Command: "ENCAP",
			Params:  []string{"*", "SASL", "00SAAAAAB", target.UID, "C", "+"},
		})
		assertNoMessages(t, targetConn)
	})
}

func TestEncapMaskFiltering(t *testing.T) {
	srv := newTestServer(t)
	link, _ := newTestServices(srv)
	c, cc := newTestClient(srv, "alice")
	clientSend(srv, c, "AUTHENTICATE", "PLAIN")

	send := func(mask string) {
		srv.handleServicesMessage(link, &irc.Message{
			Command: "ENCAP",
			Params:  []string{mask, "SASL", "00SAAAAAB", c.UID, "C", "+"},
		})
	}

	// A mask for another server is not for us.
	send("9ZZ")
	assertNoMessages(t, cc)

	// Broadcast, our SID and our hostname all match.
	for _, mask := range []string{"*", "0AA", "irc.chatik.example"} {
		send(mask)
		msgs := cc.pop()
		if len(msgs) != 1 {
			t.Fatalf("mask %q: expected a relayed AUTHENTICATE, got %v", mask, msgs)
		}
		assertMessage(t, msgs[0], "AUTHENTICATE", "+")
	}
}

func TestUIDSurvivesRegistration(t *testing.T) {
	srv := newTestServer(t)
	newTestServices(srv)
	c, cc := newTestClient(srv, "")

	clientSend(srv, c, "CAP", "LS", "302")
	cc.pop()
	clientSend(srv, c, "CAP", "REQ", "sasl")
	cc.pop()

	clientSend(srv, c, "AUTHENTICATE", "PLAIN")
	uid := c.UID
	if uid == "" {
		t.Fatal("expected an early UID assignment")
	}

	clientSend(srv, c, "NICK", "alice")
	clientSend(srv, c, "USER", "alice", "0", "*", "Alice")
	clientSend(srv, c, "CAP", "END")

	if !c.IsRegistered() {
		t.Fatal("expected the client to be registered")
	}
	if c.UID != uid {
		t.Errorf("registration replaced the UID: %q -> %q", uid, c.UID)
	}
	if srv.clients.findUID(uid) != c {
		t.Error("the UID index no longer resolves to the client")
	}
}

func TestNickCollision(t *testing.T) {
	srv := newTestServer(t)
	newTestClient(srv, "alice")
	c, cc := newTestClient(srv, "")

	clientSend(srv, c, "NICK", "alice")
	msgs := cc.pop()
	if len(msgs) != 1 {
		t.Fatalf("expected a 433, got %v", msgs)
	}
	assertMessage(t, msgs[0], irc.ERR_NICKNAMEINUSE, "*", "alice", "Nickname is already in use")
	if c.Nick != "" {
		t.Errorf("the colliding nick must not be applied, got %q", c.Nick)
	}
}

func TestClientExitRemovesState(t *testing.T) {
	srv := newTestServer(t)
	c, _ := newTestClient(srv, "alice")
	srv.clients.setUID(c, "0AAAAAAAA")

	srv.handleClientExit(c)

	if srv.clients.findNick("alice") != nil {
		t.Error("expected the nick index entry to be gone")
	}
	if srv.clients.findUID("0AAAAAAAA") != nil {
		t.Error("expected the UID index entry to be gone")
	}
	if _, ok := srv.locals[c]; ok {
		t.Error("expected the client to be removed from the local set")
	}
}

func TestPing(t *testing.T) {
	srv := newTestServer(t)
	c, cc := newTestClient(srv, "alice")

	clientSend(srv, c, "PING", "token")
	msgs := cc.pop()
	if len(msgs) != 1 {
		t.Fatalf("expected a PONG, got %v", msgs)
	}
	assertMessage(t, msgs[0], "PONG", "irc.chatik.example", "token")
}
