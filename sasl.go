package tonik

import (
	"fmt"
	"strings"

	"gopkg.in/irc.v4"

	"git.sr.ht/~chatik/tonik/xirc"
)

// saslModule bridges the IRCv3 client half of SASL (CAP "sasl" +
// AUTHENTICATE + 900-series numerics) with the encapsulated SASL/SVSLOGIN/
// MECHLIST exchange spoken by the services link. The module never interprets
// authentication payloads: client parameters are relayed to services
// byte-exact, and vice versa.
//
//	1. client    AUTHENTICATE PLAIN
//	2. tonik     ENCAP * SASL <uid> * H <host> <ip>
//	3. tonik     ENCAP * SASL <uid> * S PLAIN
//	4. services  ENCAP SASL <agent> <uid> C +
//	5. tonik     AUTHENTICATE +                      (to client, binds agent)
//	6. client    AUTHENTICATE <base64 credentials>
//	7. tonik     ENCAP * SASL <uid> <agent> C <base64>
//	8. services  ENCAP SVSLOGIN <uid> ...            (account set)
//	9. services  ENCAP SASL <agent> <uid> D S
//	10. tonik    900 + 903
type saslModule struct {
	srv    *Server
	logger Logger

	sessions sessionTable
	cap      capAdvertiser
	metrics  *saslMetrics

	commands []*Command
	exitHook hookID
}

func newSASLModule(srv *Server) *saslModule {
	m := &saslModule{
		srv:    srv,
		logger: &prefixLogger{srv.Logger, "sasl: "},
	}
	m.cap = capAdvertiser{registry: &srv.caps, name: "sasl"}
	m.metrics = newSASLMetrics()

	m.commands = []*Command{
		{
			Name: "AUTHENTICATE",
			Handlers: [roleCount]cmdHandler{
				roleUnregistered: {fn: m.handleAuthenticate, minArgs: 1},
				roleClient:       {fn: cmdRegistered},
				roleServer:       {fn: cmdIgnore},
				roleEncap:        {fn: cmdIgnore},
				roleOper:         {fn: cmdRegistered},
			},
		},
		{
			Name: "SASL",
			Handlers: [roleCount]cmdHandler{
				roleUnregistered: {fn: cmdIgnore},
				roleClient:       {fn: cmdIgnore},
				roleServer:       {fn: cmdIgnore},
				roleEncap:        {fn: m.handleSASL, minArgs: 3},
				roleOper:         {fn: cmdIgnore},
			},
		},
		{
			Name: "SVSLOGIN",
			Handlers: [roleCount]cmdHandler{
				roleUnregistered: {fn: cmdIgnore},
				roleClient:       {fn: cmdIgnore},
				roleServer:       {fn: cmdIgnore},
				roleEncap:        {fn: m.handleSVSLOGIN, minArgs: 1},
				roleOper:         {fn: cmdIgnore},
			},
		},
		{
			Name: "MECHLIST",
			Handlers: [roleCount]cmdHandler{
				roleUnregistered: {fn: cmdIgnore},
				roleClient:       {fn: cmdIgnore},
				roleServer:       {fn: cmdIgnore},
				roleEncap:        {fn: m.handleMECHLIST},
				roleOper:         {fn: cmdIgnore},
			},
		},
	}

	return m
}

func (m *saslModule) setup() {
	m.cap.register("PLAIN")
	for _, cmd := range m.commands {
		m.srv.addCommand(cmd)
	}
	m.exitHook = m.srv.hooks.addClientExit(m.handleClientExit)
	if r := m.srv.MetricsRegistry; r != nil {
		if err := m.metrics.register(r); err != nil {
			m.logger.Printf("failed to register metrics: %v", err)
		}
	}
}

func (m *saslModule) teardown() {
	m.cap.unregister()
	for _, cmd := range m.commands {
		m.srv.delCommand(cmd)
	}
	m.srv.hooks.delClientExit(m.exitHook)
	if r := m.srv.MetricsRegistry; r != nil {
		m.metrics.unregister(r)
	}
	m.sessions.reset()
	m.metrics.reset()
}

// finish retires a session with the given outcome. A nil session only counts
// the outcome: a stray services result has no bookkeeping to undo.
func (m *saslModule) finish(session *saslSession, outcome string) {
	m.metrics.observe(session, outcome)
	if session != nil {
		m.sessions.clear(session)
	}
}

// handleAuthenticate serves AUTHENTICATE from local, unregistered clients.
func (m *saslModule) handleAuthenticate(srv *Server, src *Client, msg *irc.Message) {
	// The client must have negotiated the sasl capability.
	if !src.HasCap("sasl") {
		return
	}

	param := msg.Params[0]

	// AUTHENTICATE * aborts the current negotiation.
	if param == "*" {
		if session := m.sessions.find(src); session != nil {
			if session.agent != "" && src.UID != "" {
				srv.sendToServices(xirc.GenerateSASLAbort(srv.sid(), src.UID, session.agent))
			}
			m.finish(session, outcomeAborted)
		}
		srv.sendNumeric(src, irc.ERR_SASLABORTED, "SASL authentication aborted")
		return
	}

	// Assign a UID early so services can reference this client. The
	// registration path keeps a UID assigned here.
	if src.UID == "" {
		uid := srv.uids.next()
		for srv.clients.findUID(uid) != nil {
			uid = srv.uids.next()
		}
		srv.clients.setUID(src, uid)
	}

	session := m.sessions.find(src)
	if session == nil {
		// New negotiation; the parameter is the mechanism name.
		session = m.sessions.allocate(src)
		if session == nil {
			srv.sendNumeric(src, irc.ERR_SASLFAIL, "SASL authentication failed")
			m.metrics.observe(nil, outcomeRejected)
			return
		}

		m.metrics.opened()

		srv.sendToServices(xirc.GenerateSASLHost(srv.sid(), src.UID, src.Host, src.Sockhost))
		srv.sendToServices(xirc.GenerateSASLStart(srv.sid(), src.UID, param))
		return
	}

	// Continuation; relay the parameter to services verbatim.
	session.messages++
	if session.messages > saslMaxMessages {
		srv.sendNumeric(src, irc.ERR_SASLFAIL, "SASL message limit exceeded")
		if session.agent != "" {
			srv.sendToServices(xirc.GenerateSASLAbort(srv.sid(), src.UID, session.agent))
		}
		m.finish(session, outcomeRejected)
		return
	}

	srv.sendToServices(xirc.GenerateSASLClientData(srv.sid(), src.UID, session.agent, param))
}

// handleSASL serves encapsulated SASL messages from services:
// <agent> <target> <C|D|L|M> [<data>].
func (m *saslModule) handleSASL(srv *Server, src *Client, msg *irc.Message) {
	var agent, targetUID, typ string
	if err := parseMessageParams(msg, &agent, &targetUID, &typ); err != nil {
		return
	}

	target := srv.clients.findUID(targetUID)
	if target == nil || target.conn == nil || target.IsServer() {
		return
	}

	session := m.sessions.find(target)

	if typ == "" {
		return
	}
	switch typ[0] {
	case 'C':
		// Client data; relay to the local client, re-chunking payloads
		// that exceed the AUTHENTICATE parameter limit.
		if len(msg.Params) < 4 {
			return
		}
		for _, out := range xirc.GenerateSASL(msg.Params[3]) {
			target.SendMessage(out)
		}

		// Remember the agent conducting this session. This is the only
		// place an agent is ever bound.
		if session != nil && session.agent == "" {
			session.bindAgent(agent)
		}

	case 'D':
		// Done; data selects the outcome, anything but S is a failure.
		if len(msg.Params) >= 4 && strings.HasPrefix(msg.Params[3], "S") {
			srv.sendNumeric(target, irc.RPL_LOGGEDIN,
				fmt.Sprintf("%s!%s@%s", target.nickOrStar(), target.Username, target.Host),
				target.Account,
				fmt.Sprintf("You are now logged in as %s", target.Account))
			srv.sendNumeric(target, irc.RPL_SASLSUCCESS, "SASL authentication successful")

			if session != nil {
				session.complete = true
			}
			m.finish(session, outcomeSuccess)
			return
		}

		if session != nil {
			session.failures++
			if session.failures >= saslMaxFailures {
				srv.sendNumeric(target, irc.ERR_SASLFAIL, "SASL authentication failed")
				m.finish(session, outcomeFailure)
				return
			}
		}
		// Below the failure cap the session survives; the client may try
		// again within its message budget.
		srv.sendNumeric(target, irc.ERR_SASLFAIL, "SASL authentication failed")

	case 'L':
		// Login; set the account name independently of any session.
		if len(msg.Params) < 4 {
			return
		}
		m.setAccount(target, msg.Params[3])

	case 'M':
		var mechs string
		if len(msg.Params) >= 4 {
			mechs = msg.Params[3]
		}
		m.cap.register(mechs)
	}
}

// handleSVSLOGIN serves encapsulated SVSLOGIN from services:
// <target> <nick> <ident> <vhost> <account>, "*" meaning unchanged.
func (m *saslModule) handleSVSLOGIN(srv *Server, src *Client, msg *irc.Message) {
	if !src.IsServer() && !src.IsService() {
		return
	}

	var targetUID string
	if err := parseMessageParams(msg, &targetUID); err != nil {
		return
	}

	target := srv.clients.findUID(targetUID)
	if target == nil {
		return
	}

	if len(msg.Params) >= 5 && msg.Params[4] != "*" {
		m.setAccount(target, msg.Params[4])
	}
	if len(msg.Params) >= 4 && msg.Params[3] != "*" {
		target.Host = truncateString(msg.Params[3], maxHostLen)
	}
	if len(msg.Params) >= 3 && msg.Params[2] != "*" {
		target.Username = truncateString(msg.Params[2], maxUserLen)
	}
	// The nick slot is accepted for protocol completeness; nick changes
	// travel over SVSNICK instead.
}

// handleMECHLIST serves encapsulated MECHLIST from services. An absent or
// empty list empties the advertised mechanism set.
func (m *saslModule) handleMECHLIST(srv *Server, src *Client, msg *irc.Message) {
	var mechs string
	if len(msg.Params) >= 1 {
		mechs = msg.Params[0]
	}
	m.cap.register(mechs)
}

// handleClientExit aborts the session of a disconnecting client, notifying
// services when an agent is already conducting it.
func (m *saslModule) handleClientExit(c *Client) {
	session := m.sessions.find(c)
	if session == nil {
		return
	}
	if session.agent != "" && c.UID != "" {
		m.srv.sendToServices(xirc.GenerateSASLAbort(m.srv.sid(), c.UID, session.agent))
	}
	m.finish(session, outcomeAborted)
}

func (m *saslModule) setAccount(c *Client, account string) {
	c.Account = truncateString(account, maxAccountLen)
	m.srv.hooks.accountSet.run(c)
}
