package xirc

import (
	"gopkg.in/irc.v4"
)

// The SASL relay messages below are encapsulated server-to-server commands,
// broadcast from sid. Framing follows the charybdis-derived ENCAP SASL
// convention: the target slot before the type holds the agent UID, or "*"
// when no agent has been bound yet.

func GenerateSASLHost(sid, uid, host, sockhost string) *irc.Message {
	return &irc.Message{
		Prefix:  &irc.Prefix{Name: sid},
		Command: "ENCAP",
		Params:  []string{"*", "SASL", uid, "*", "H", host, sockhost},
	}
}

func GenerateSASLStart(sid, uid, mech string) *irc.Message {
	return &irc.Message{
		Prefix:  &irc.Prefix{Name: sid},
		Command: "ENCAP",
		Params:  []string{"*", "SASL", uid, "*", "S", mech},
	}
}

func GenerateSASLClientData(sid, uid, agent, data string) *irc.Message {
	if agent == "" {
		agent = "*"
	}
	return &irc.Message{
		Prefix:  &irc.Prefix{Name: sid},
		Command: "ENCAP",
		Params:  []string{"*", "SASL", uid, agent, "C", data},
	}
}

func GenerateSASLAbort(sid, uid, agent string) *irc.Message {
	return &irc.Message{
		Prefix:  &irc.Prefix{Name: sid},
		Command: "ENCAP",
		Params:  []string{"*", "SASL", uid, agent, "D", "A"},
	}
}

// GenerateSASL splits an already-encoded SASL payload into AUTHENTICATE
// messages of at most MaxSASLLength bytes each. The payload is never
// transcoded. A payload whose length is an exact multiple of MaxSASLLength
// gets a final "+" message, so the peer knows the response is complete; an
// empty payload is a lone "+".
func GenerateSASL(encoded string) []*irc.Message {
	var msgs []*irc.Message
	for i := 0; i <= len(encoded); i += MaxSASLLength {
		j := i + MaxSASLLength
		if j > len(encoded) {
			j = len(encoded)
		}

		chunk := encoded[i:j]
		if chunk == "" {
			chunk = "+"
		}

		msgs = append(msgs, &irc.Message{
			Command: "AUTHENTICATE",
			Params:  []string{chunk},
		})
	}
	return msgs
}
