// Package xirc contains an extended IRC library.
package xirc

const (
	maxMessageLength = 512
	maxMessageParams = 15
)

// MaxSASLLength is the maximum length of a single AUTHENTICATE parameter, as
// defined in the IRCv3 SASL specification.
const MaxSASLLength = 400

// Numeric replies missing from gopkg.in/irc.v4.
const (
	ERR_INVALIDCAPCMD     = "410"
	ERR_ALREADYREGISTERED = "462"
	ERR_PASSWDMISMATCH    = "464"
)
