package tonik

import (
	"strings"

	"gopkg.in/irc.v4"
)

type ircError struct {
	Message *irc.Message
}

var _ error = ircError{}

func newNeedMoreParamsError(cmd string) ircError {
	return ircError{&irc.Message{
		Command: irc.ERR_NEEDMOREPARAMS,
		Params: []string{
			"*",
			cmd,
			"Not enough parameters",
		},
	}}
}

func (err ircError) Error() string {
	return err.Message.String()
}

func parseMessageParams(msg *irc.Message, out ...*string) error {
	if len(msg.Params) < len(out) {
		return newNeedMoreParamsError(msg.Command)
	}
	for i := range out {
		if out[i] != nil {
			*out[i] = msg.Params[i]
		}
	}
	return nil
}

// truncateString shortens s to at most n bytes. Fields copied from services
// messages into client records are bounded here rather than at the wire.
func truncateString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func casemapASCII(s string) string {
	return strings.ToLower(s)
}
