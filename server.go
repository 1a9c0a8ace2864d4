package tonik

import (
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
	"gopkg.in/irc.v4"

	"git.sr.ht/~chatik/tonik/config"
	"git.sr.ht/~chatik/tonik/xirc"
)

// Downstream connections get a modest per-connection read budget. This is
// transport flood protection, unrelated to the SASL session budgets.
const (
	downstreamRateInterval = 100 * time.Millisecond
	downstreamRateBurst    = 32
)

type Config struct {
	Hostname         string
	SID              string
	ServicesPassword string
	AcceptProxyIPs   config.IPSet
}

type event interface{}

type eventClientConnected struct {
	client *Client
}

type eventClientMessage struct {
	client *Client
	msg    *irc.Message
}

type eventClientDisconnected struct {
	client *Client
}

type eventServicesConnected struct {
	client *Client
}

type eventServicesMessage struct {
	client *Client
	msg    *irc.Message
}

type eventServicesDisconnected struct {
	client *Client
}

type eventStop struct{}

// Server is the daemon. All of its mutable state below the exported fields
// is owned by the event loop goroutine: connection read loops only post
// events, so handlers never need locks and always run to completion before
// the next event is serviced.
type Server struct {
	Logger          Logger
	Debug           bool
	MetricsRegistry prometheus.Registerer

	config atomic.Value // *Config

	events  chan event
	stopped chan struct{}

	lock      sync.Mutex
	listeners map[net.Listener]struct{}

	// Event-loop-owned state.
	clients  *clientTable
	locals   map[*Client]struct{}
	uids     *uidGenerator
	commands map[string]*Command
	hooks    hookRegistry
	caps     xirc.CapRegistry
	services *Client

	sasl *saslModule
}

func NewServer() *Server {
	srv := &Server{
		Logger:    NewLogger(log.Writer(), false),
		events:    make(chan event, 64),
		stopped:   make(chan struct{}),
		listeners: make(map[net.Listener]struct{}),
		clients:   newClientTable(),
		locals:    make(map[*Client]struct{}),
		commands:  make(map[string]*Command),
		caps:      xirc.NewCapRegistry(),
	}
	srv.registerBaseCommands()
	srv.sasl = newSASLModule(srv)
	return srv
}

func (s *Server) SetConfig(cfg *Config) {
	s.config.Store(cfg)
}

func (s *Server) Config() *Config {
	cfg, ok := s.config.Load().(*Config)
	if !ok {
		panic("server configuration is not set")
	}
	return cfg
}

func (s *Server) sid() string {
	return s.Config().SID
}

func (s *Server) prefix() *irc.Prefix {
	return &irc.Prefix{Name: s.Config().Hostname}
}

func (s *Server) Start() error {
	cfg := s.Config()
	if cfg.SID == "" {
		return fmt.Errorf("missing server ID in configuration")
	}
	s.uids = newUIDGenerator(cfg.SID)
	s.sasl.setup()
	go s.run()
	return nil
}

// Shutdown stops the event loop and closes every connection and listener.
func (s *Server) Shutdown() {
	s.events <- eventStop{}
	<-s.stopped
}

func (s *Server) run() {
	stopping := false
	for e := range s.events {
		if stopping {
			continue
		}
		switch e := e.(type) {
		case eventClientConnected:
			s.locals[e.client] = struct{}{}
		case eventClientMessage:
			s.dispatch(s.roleFor(e.client), e.client, e.msg)
		case eventClientDisconnected:
			s.handleClientExit(e.client)
		case eventServicesConnected:
			// The link only becomes active once it passes PASS/SERVER.
		case eventServicesMessage:
			s.handleServicesMessage(e.client, e.msg)
		case eventServicesDisconnected:
			if s.services == e.client {
				s.services = nil
				s.Logger.Printf("services link closed")
			}
		case eventStop:
			s.sasl.teardown()
			for c := range s.locals {
				c.conn.Close()
			}
			if s.services != nil {
				s.services.conn.Close()
			}
			s.lock.Lock()
			for ln := range s.listeners {
				ln.Close()
			}
			s.lock.Unlock()
			close(s.stopped)
			// Keep draining events so read loops can finish.
			stopping = true
		default:
			panic(fmt.Sprintf("received unknown event type: %T", e))
		}
	}
}

// handleClientExit runs the exit hooks, then forgets the client.
func (s *Server) handleClientExit(c *Client) {
	if _, ok := s.locals[c]; !ok {
		return
	}
	s.hooks.clientExit.run(c)
	s.clients.remove(c)
	delete(s.locals, c)
}

// handleServicesMessage processes one message from the services socket. The
// link must introduce itself with SERVER, preceded by a matching PASS when a
// services password is configured, before anything else is accepted.
func (s *Server) handleServicesMessage(c *Client, msg *irc.Message) {
	if !c.IsServer() {
		switch strings.ToUpper(msg.Command) {
		case "PASS":
			var pass string
			if err := parseMessageParams(msg, &pass); err != nil {
				return
			}
			if pass == s.Config().ServicesPassword {
				c.linkPassOK = true
			}
		case "SERVER":
			var name string
			if err := parseMessageParams(msg, &name); err != nil {
				return
			}
			if s.Config().ServicesPassword != "" && !c.linkPassOK {
				c.SendMessage(&irc.Message{
					Prefix:  s.prefix(),
					Command: xirc.ERR_PASSWDMISMATCH,
					Params:  []string{"*", "Password incorrect"},
				})
				c.conn.Close()
				return
			}
			c.Nick = name
			c.setFlag(flagServer)
			s.services = c
			s.Logger.Printf("services link %q established", c.Nick)
		}
		return
	}

	if strings.ToUpper(msg.Command) == "ENCAP" {
		s.handleEncap(c, msg)
		return
	}
	s.dispatch(roleServer, c, msg)
}

// handleEncap unwraps ENCAP <mask> <cmd> [args...] and re-dispatches cmd in
// the encap role. The origin is the prefixed entity when it resolves,
// otherwise the link itself.
func (s *Server) handleEncap(src *Client, msg *irc.Message) {
	if len(msg.Params) < 2 {
		return
	}
	cfg := s.Config()
	mask := msg.Params[0]
	if mask != "*" && mask != cfg.SID && mask != cfg.Hostname {
		return
	}

	origin := src
	if msg.Prefix != nil && msg.Prefix.Name != "" {
		if c := s.lookup(msg.Prefix.Name); c != nil {
			origin = c
		}
	}

	s.dispatch(roleEncap, origin, &irc.Message{
		Prefix:  msg.Prefix,
		Command: msg.Params[1],
		Params:  msg.Params[2:],
	})
}

// lookup resolves an identifier to a client, trying UID form first.
func (s *Server) lookup(name string) *Client {
	if c := s.clients.findUID(name); c != nil {
		return c
	}
	return s.clients.findNick(name)
}

// sendToServices relays a message to the services link. Sends are
// best-effort: without an established link the message is dropped.
func (s *Server) sendToServices(msg *irc.Message) {
	if s.services == nil {
		s.Logger.Debugf("no services link, dropping: %v", msg)
		return
	}
	s.services.SendMessage(msg)
}

func (s *Server) sendNumeric(c *Client, numeric string, params ...string) {
	c.SendMessage(&irc.Message{
		Prefix:  s.prefix(),
		Command: numeric,
		Params:  append([]string{c.nickOrStar()}, params...),
	})
}

// tryRegister completes registration once NICK and USER arrived and CAP
// negotiation is over. A UID assigned earlier (by SASL) is kept.
func (s *Server) tryRegister(c *Client) {
	if c.IsRegistered() || c.HasFlag(flagCapNegotiating) || c.Nick == "" || !c.hasUser {
		return
	}

	if c.UID == "" {
		uid := s.uids.next()
		for s.clients.findUID(uid) != nil {
			uid = s.uids.next()
		}
		s.clients.setUID(c, uid)
	}

	c.setFlag(flagRegistered)
	s.sendNumeric(c, irc.RPL_WELCOME, fmt.Sprintf("Welcome to the IRC network, %s", c.Nick))
}

func (s *Server) registerBaseCommands() {
	for _, cmd := range []*Command{
		{
			Name: "NICK",
			Handlers: [roleCount]cmdHandler{
				roleUnregistered: {fn: handleNick, minArgs: 1},
				roleClient:       {fn: handleNick, minArgs: 1},
				roleServer:       {fn: cmdIgnore},
				roleEncap:        {fn: cmdIgnore},
				roleOper:         {fn: handleNick, minArgs: 1},
			},
		},
		{
			Name: "USER",
			Handlers: [roleCount]cmdHandler{
				roleUnregistered: {fn: handleUser, minArgs: 4},
				roleClient:       {fn: cmdRegistered},
				roleServer:       {fn: cmdIgnore},
				roleEncap:        {fn: cmdIgnore},
				roleOper:         {fn: cmdRegistered},
			},
		},
		{
			Name: "CAP",
			Handlers: [roleCount]cmdHandler{
				roleUnregistered: {fn: handleCap, minArgs: 1},
				roleClient:       {fn: handleCap, minArgs: 1},
				roleServer:       {fn: cmdIgnore},
				roleEncap:        {fn: cmdIgnore},
				roleOper:         {fn: handleCap, minArgs: 1},
			},
		},
		{
			Name: "PING",
			Handlers: [roleCount]cmdHandler{
				roleUnregistered: {fn: handlePing, minArgs: 1},
				roleClient:       {fn: handlePing, minArgs: 1},
				roleServer:       {fn: handlePing, minArgs: 1},
				roleEncap:        {fn: cmdIgnore},
				roleOper:         {fn: handlePing, minArgs: 1},
			},
		},
		{
			Name: "PONG",
			Handlers: [roleCount]cmdHandler{
				roleUnregistered: {fn: cmdIgnore},
				roleClient:       {fn: cmdIgnore},
				roleServer:       {fn: cmdIgnore},
				roleEncap:        {fn: cmdIgnore},
				roleOper:         {fn: cmdIgnore},
			},
		},
		{
			Name: "QUIT",
			Handlers: [roleCount]cmdHandler{
				roleUnregistered: {fn: handleQuit},
				roleClient:       {fn: handleQuit},
				roleServer:       {fn: cmdIgnore},
				roleEncap:        {fn: cmdIgnore},
				roleOper:         {fn: handleQuit},
			},
		},
	} {
		s.addCommand(cmd)
	}
}

func handleNick(srv *Server, src *Client, msg *irc.Message) {
	nick := msg.Params[0]
	if other := srv.clients.findNick(nick); other != nil && other != src {
		srv.sendNumeric(src, irc.ERR_NICKNAMEINUSE, nick, "Nickname is already in use")
		return
	}
	srv.clients.setNick(src, nick)
	srv.tryRegister(src)
}

func handleUser(srv *Server, src *Client, msg *irc.Message) {
	src.Username = truncateString("~"+msg.Params[0], maxUserLen)
	src.Realname = msg.Params[3]
	src.hasUser = true
	srv.tryRegister(src)
}

func handlePing(srv *Server, src *Client, msg *irc.Message) {
	src.SendMessage(&irc.Message{
		Prefix:  srv.prefix(),
		Command: "PONG",
		Params:  []string{srv.Config().Hostname, msg.Params[0]},
	})
}

func handleQuit(srv *Server, src *Client, msg *irc.Message) {
	src.conn.Close()
}

// Serve accepts connections from ln and handles each in its own goroutine.
func (s *Server) Serve(ln net.Listener, handle func(conn net.Conn)) error {
	s.lock.Lock()
	s.listeners[ln] = struct{}{}
	s.lock.Unlock()

	defer func() {
		s.lock.Lock()
		delete(s.listeners, ln)
		s.lock.Unlock()
	}()

	for {
		netConn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("failed to accept connection: %v", err)
		}
		go handle(netConn)
	}
}

// Handle serves one downstream client connection.
func (s *Server) Handle(netConn net.Conn) {
	logger := &prefixLogger{s.Logger, fmt.Sprintf("downstream %q: ", netConn.RemoteAddr())}
	remoteAddr := netConn.RemoteAddr().String()

	cc := newLineConn(s, netConn, logger)
	c := newClient(s, cc, logger)
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		c.Host = host
		c.Sockhost = host
	}

	s.events <- eventClientConnected{c}

	limiter := rate.NewLimiter(rate.Every(downstreamRateInterval), downstreamRateBurst)
	cc.readLoop(limiter, func(msg *irc.Message) {
		s.events <- eventClientMessage{c, msg}
	})

	cc.Close()
	s.events <- eventClientDisconnected{c}
}

// HandleServices serves the services link connection. The link is trusted
// infrastructure, so reads are not throttled.
func (s *Server) HandleServices(netConn net.Conn) {
	logger := &prefixLogger{s.Logger, fmt.Sprintf("services %q: ", netConn.RemoteAddr())}

	cc := newLineConn(s, netConn, logger)
	c := newClient(s, cc, logger)

	s.events <- eventServicesConnected{c}

	cc.readLoop(nil, func(msg *irc.Message) {
		s.events <- eventServicesMessage{c, msg}
	})

	cc.Close()
	s.events <- eventServicesDisconnected{c}
}
