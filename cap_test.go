package tonik

import (
	"testing"
)

func TestCapNegotiation(t *testing.T) {
	srv := newTestServer(t)

	c, cc := newTestClient(srv, "")
	delete(c.caps, "sasl")

	clientSend(srv, c, "CAP", "LS", "302")
	msgs := cc.pop()
	if len(msgs) != 1 {
		t.Fatalf("expected a CAP LS reply, got %v", msgs)
	}
	assertMessage(t, msgs[0], "CAP", "*", "LS", "sasl=PLAIN")
	if !c.HasFlag(flagCapNegotiating) {
		t.Error("CAP LS must block registration until CAP END")
	}

	clientSend(srv, c, "CAP", "REQ", "sasl")
	msgs = cc.pop()
	if len(msgs) != 1 {
		t.Fatalf("expected a CAP ACK, got %v", msgs)
	}
	assertMessage(t, msgs[0], "CAP", "*", "ACK", "sasl")
	if !c.HasCap("sasl") {
		t.Error("expected the sasl capability to be enabled")
	}

	clientSend(srv, c, "CAP", "REQ", "bogus-cap")
	msgs = cc.pop()
	if len(msgs) != 1 {
		t.Fatalf("expected a CAP NAK, got %v", msgs)
	}
	assertMessage(t, msgs[0], "CAP", "*", "NAK", "bogus-cap")
	if c.HasCap("bogus-cap") {
		t.Error("a NAKed capability must not be enabled")
	}

	clientSend(srv, c, "CAP", "LIST")
	msgs = cc.pop()
	if len(msgs) != 1 {
		t.Fatalf("expected a CAP LIST reply, got %v", msgs)
	}
	assertMessage(t, msgs[0], "CAP", "*", "LIST", "sasl")
}

func TestCapEndCompletesRegistration(t *testing.T) {
	srv := newTestServer(t)
	c, cc := newTestClient(srv, "")

	clientSend(srv, c, "CAP", "LS", "302")
	cc.pop()
	clientSend(srv, c, "NICK", "alice")
	clientSend(srv, c, "USER", "alice", "0", "*", "Alice")
	if c.IsRegistered() {
		t.Fatal("registration must wait for CAP END")
	}
	assertNoMessages(t, cc)

	clientSend(srv, c, "CAP", "END")
	if !c.IsRegistered() {
		t.Fatal("expected the client to be registered after CAP END")
	}
	msgs := cc.pop()
	if len(msgs) != 1 {
		t.Fatalf("expected a 001, got %v", msgs)
	}
	if msgs[0].Command != "001" {
		t.Errorf("expected RPL_WELCOME, got %v", msgs[0])
	}
}

func TestCapDisable(t *testing.T) {
	srv := newTestServer(t)
	c, cc := newTestClient(srv, "alice")

	clientSend(srv, c, "CAP", "REQ", "-sasl")
	msgs := cc.pop()
	if len(msgs) != 1 {
		t.Fatalf("expected a CAP ACK, got %v", msgs)
	}
	assertMessage(t, msgs[0], "CAP", "alice", "ACK", "-sasl")
	if c.HasCap("sasl") {
		t.Error("expected the sasl capability to be disabled")
	}
}

func TestCapAdvertiserReplace(t *testing.T) {
	srv := newTestServer(t)
	adv := srv.sasl.cap

	adv.register("PLAIN EXTERNAL")
	if got := srv.caps.Available["sasl"]; got != "PLAIN EXTERNAL" {
		t.Errorf("expected %q, got %q", "PLAIN EXTERNAL", got)
	}

	adv.register("")
	if got := srv.caps.Available["sasl"]; got != "" {
		t.Errorf("expected an empty value, got %q", got)
	}
	if !srv.caps.IsAvailable("sasl") {
		t.Error("an empty mechanism list must keep the capability advertised")
	}

	adv.unregister()
	if srv.caps.IsAvailable("sasl") {
		t.Error("expected the capability to be gone")
	}
}
