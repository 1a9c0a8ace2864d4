package tonik

import (
	"sort"
	"strings"

	"gopkg.in/irc.v4"

	"git.sr.ht/~chatik/tonik/xirc"
)

// capAdvertiser publishes one capability in the server's CAP registry.
// register is idempotent: re-registering replaces the advertised value.
type capAdvertiser struct {
	registry *xirc.CapRegistry
	name     string
}

func (a capAdvertiser) register(value string) {
	a.registry.Del(a.name)
	a.registry.Add(a.name, value)
}

func (a capAdvertiser) unregister() {
	a.registry.Del(a.name)
}

// handleCap implements the CAP negotiation subset the daemon needs:
// LS, REQ, END and LIST.
func handleCap(srv *Server, src *Client, msg *irc.Message) {
	subCmd := strings.ToUpper(msg.Params[0])

	switch subCmd {
	case "LS":
		if !src.IsRegistered() {
			src.setFlag(flagCapNegotiating)
		}
		src.SendMessage(&irc.Message{
			Prefix:  srv.prefix(),
			Command: "CAP",
			Params:  []string{src.nickOrStar(), "LS", srv.caps.LS()},
		})

	case "REQ":
		if len(msg.Params) < 2 {
			srv.sendNumeric(src, irc.ERR_NEEDMOREPARAMS, "CAP", "Not enough parameters")
			return
		}
		if !src.IsRegistered() {
			src.setFlag(flagCapNegotiating)
		}

		requested := strings.Fields(msg.Params[1])
		ack := true
		for _, name := range requested {
			if !srv.caps.IsAvailable(strings.TrimPrefix(name, "-")) {
				ack = false
				break
			}
		}
		if ack {
			for _, name := range requested {
				if enable := !strings.HasPrefix(name, "-"); enable {
					src.caps[name] = true
				} else {
					delete(src.caps, strings.TrimPrefix(name, "-"))
				}
			}
		}
		reply := "NAK"
		if ack {
			reply = "ACK"
		}
		src.SendMessage(&irc.Message{
			Prefix:  srv.prefix(),
			Command: "CAP",
			Params:  []string{src.nickOrStar(), reply, msg.Params[1]},
		})

	case "END":
		if !src.IsRegistered() {
			src.clearFlag(flagCapNegotiating)
			srv.tryRegister(src)
		}

	case "LIST":
		enabled := make([]string, 0, len(src.caps))
		for name := range src.caps {
			enabled = append(enabled, name)
		}
		sort.Strings(enabled)
		src.SendMessage(&irc.Message{
			Prefix:  srv.prefix(),
			Command: "CAP",
			Params:  []string{src.nickOrStar(), "LIST", strings.Join(enabled, " ")},
		})

	default:
		srv.sendNumeric(src, xirc.ERR_INVALIDCAPCMD, subCmd, "Invalid CAP command")
	}
}
