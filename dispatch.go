package tonik

import (
	"strings"

	"gopkg.in/irc.v4"

	"git.sr.ht/~chatik/tonik/xirc"
)

// handlerRole selects which handler slot of a Command applies to the origin
// of a message. Roles that never apply to a command bind cmdIgnore.
type handlerRole int

const (
	roleUnregistered handlerRole = iota
	roleClient
	roleServer
	roleEncap
	roleOper
	roleCount
)

type handlerFunc func(srv *Server, src *Client, msg *irc.Message)

type cmdHandler struct {
	fn      handlerFunc
	minArgs int
}

// Command binds one handler per origin role.
type Command struct {
	Name     string
	Handlers [roleCount]cmdHandler
}

// cmdIgnore drops the message.
func cmdIgnore(srv *Server, src *Client, msg *irc.Message) {}

// cmdRegistered rejects commands that are only valid before registration
// completes.
func cmdRegistered(srv *Server, src *Client, msg *irc.Message) {
	srv.sendNumeric(src, xirc.ERR_ALREADYREGISTERED, "You may not reregister")
}

func (s *Server) addCommand(cmd *Command) {
	s.commands[strings.ToUpper(cmd.Name)] = cmd
}

func (s *Server) delCommand(cmd *Command) {
	delete(s.commands, strings.ToUpper(cmd.Name))
}

// roleFor classifies a message origin. The encap role is never inferred: it
// is selected explicitly by the ENCAP dispatcher.
func (s *Server) roleFor(src *Client) handlerRole {
	switch {
	case src.IsServer():
		return roleServer
	case !src.IsRegistered():
		return roleUnregistered
	default:
		return roleClient
	}
}

func (s *Server) dispatch(role handlerRole, src *Client, msg *irc.Message) {
	cmd, ok := s.commands[strings.ToUpper(msg.Command)]
	if !ok {
		if role == roleUnregistered || role == roleClient || role == roleOper {
			s.sendNumeric(src, irc.ERR_UNKNOWNCOMMAND, msg.Command, "Unknown command")
		}
		return
	}

	h := cmd.Handlers[role]
	if h.fn == nil {
		return
	}
	if len(msg.Params) < h.minArgs {
		// Servers get silence; clients get told.
		if role == roleUnregistered || role == roleClient || role == roleOper {
			s.sendNumeric(src, irc.ERR_NEEDMOREPARAMS, msg.Command, "Not enough parameters")
		}
		return
	}
	h.fn(s, src, msg)
}
