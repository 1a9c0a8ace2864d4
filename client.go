package tonik

import (
	"gopkg.in/irc.v4"
)

// Field capacities for client records. Values copied from services messages
// are truncated to these, not rejected.
const (
	maxUserLen    = 10
	maxHostLen    = 63
	maxAccountLen = 50
)

type clientFlag int

const (
	// flagRegistered is set once NICK, USER and CAP negotiation completed.
	flagRegistered clientFlag = 1 << iota
	// flagServer marks a server link. Server links are clients too, so
	// origin checks read uniformly.
	flagServer
	// flagService marks a remote client flagged as a network service.
	flagService
	// flagCapNegotiating blocks registration until CAP END.
	flagCapNegotiating
)

// Client is a connection-level record: a local user in any registration
// state, or a linked peer server.
type Client struct {
	srv    *Server
	conn   clientConn
	logger Logger

	UID      string
	Nick     string
	Username string
	Realname string
	Host     string
	Sockhost string
	Account  string

	flags      clientFlag
	caps       map[string]bool
	hasUser    bool
	linkPassOK bool
}

// clientConn is the subset of conn the daemon needs to talk to a client.
type clientConn interface {
	SendMessage(msg *irc.Message)
	Close() error
}

func newClient(srv *Server, cc clientConn, logger Logger) *Client {
	return &Client{
		srv:    srv,
		conn:   cc,
		logger: logger,
		caps:   make(map[string]bool),
	}
}

func (c *Client) HasFlag(flag clientFlag) bool {
	return c.flags&flag != 0
}

func (c *Client) setFlag(flag clientFlag) {
	c.flags |= flag
}

func (c *Client) clearFlag(flag clientFlag) {
	c.flags &^= flag
}

func (c *Client) IsRegistered() bool {
	return c.HasFlag(flagRegistered)
}

func (c *Client) IsServer() bool {
	return c.HasFlag(flagServer)
}

func (c *Client) IsService() bool {
	return c.HasFlag(flagService)
}

func (c *Client) HasCap(name string) bool {
	return c.caps[name]
}

// nickOrStar returns the client's nickname, or the placeholder used in
// numerics before NICK is received.
func (c *Client) nickOrStar() string {
	if c.Nick == "" {
		return "*"
	}
	return c.Nick
}

func (c *Client) SendMessage(msg *irc.Message) {
	if c.conn == nil {
		return
	}
	c.conn.SendMessage(msg)
}

// clientTable indexes local clients by UID and by nickname.
type clientTable struct {
	byUID  map[string]*Client
	byNick map[string]*Client
}

func newClientTable() *clientTable {
	return &clientTable{
		byUID:  make(map[string]*Client),
		byNick: make(map[string]*Client),
	}
}

func (t *clientTable) findUID(uid string) *Client {
	return t.byUID[uid]
}

func (t *clientTable) findNick(nick string) *Client {
	return t.byNick[casemapASCII(nick)]
}

// setUID assigns uid to c and indexes it. An already-assigned UID is never
// overwritten: registration after an early SASL-time assignment keeps the
// original.
func (t *clientTable) setUID(c *Client, uid string) {
	if c.UID != "" {
		return
	}
	c.UID = uid
	t.byUID[uid] = c
}

func (t *clientTable) setNick(c *Client, nick string) {
	if c.Nick != "" {
		delete(t.byNick, casemapASCII(c.Nick))
	}
	c.Nick = nick
	t.byNick[casemapASCII(nick)] = c
}

func (t *clientTable) remove(c *Client) {
	if c.UID != "" {
		delete(t.byUID, c.UID)
	}
	if c.Nick != "" {
		delete(t.byNick, casemapASCII(c.Nick))
	}
}

// uidGenerator hands out TS6-style UIDs: the server ID followed by a six
// character serial over [A-Z][A-Z0-9]{5}.
type uidGenerator struct {
	sid    string
	serial [6]byte
}

func newUIDGenerator(sid string) *uidGenerator {
	g := &uidGenerator{sid: sid}
	copy(g.serial[:], "AAAAAA")
	return g
}

func (g *uidGenerator) next() string {
	uid := g.sid + string(g.serial[:])
	for i := len(g.serial) - 1; i >= 0; i-- {
		switch {
		case g.serial[i] == 'Z' && i > 0:
			g.serial[i] = '0'
			return uid
		case g.serial[i] == 'Z':
			// The leading character cycles over letters only.
			g.serial[i] = 'A'
			return uid
		case g.serial[i] == '9':
			g.serial[i] = 'A'
			// carry into the next position
		default:
			g.serial[i]++
			return uid
		}
	}
	return uid
}
