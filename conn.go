package tonik

import (
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/irc.v4"
)

const (
	writeTimeout = 10 * time.Second
	sendQueueLen = 64
)

// lineConn frames IRC messages over one network connection: a downstream
// client or the services link. Reads happen on the per-connection goroutine
// via readLoop; writes go through a bounded queue drained by a single writer
// goroutine, so the event loop never blocks on a slow peer. Sends are
// best-effort fire-and-forget: once the queue is full or the connection is
// down, messages are dropped.
type lineConn struct {
	netConn net.Conn
	irc     *irc.Conn
	srv     *Server
	logger  Logger

	sendQ     chan *irc.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newLineConn(srv *Server, netConn net.Conn, logger Logger) *lineConn {
	c := &lineConn{
		netConn: netConn,
		irc:     irc.NewConn(netConn),
		srv:     srv,
		logger:  logger,
		sendQ:   make(chan *irc.Message, sendQueueLen),
		done:    make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *lineConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sendQ:
			c.netConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.irc.WriteMessage(msg); err != nil {
				c.logger.Printf("failed to write message: %v", err)
				c.Close()
				return
			}
			if c.srv.Debug {
				c.logger.Printf("sent: %v", msg)
			}
		}
	}
}

// readLoop decodes messages until the peer disconnects, handing each one to
// handle. A non-nil limiter throttles the read side.
func (c *lineConn) readLoop(limiter *rate.Limiter, handle func(*irc.Message)) {
	for {
		msg, err := c.irc.ReadMessage()
		if err == io.EOF {
			return
		} else if err != nil {
			select {
			case <-c.done:
				// Closed on our side; the read error is expected.
			default:
				c.logger.Printf("failed to read IRC command: %v", err)
			}
			return
		}

		if c.srv.Debug {
			c.logger.Printf("received: %v", msg)
		}
		if limiter != nil {
			if d := limiter.Reserve().Delay(); d > 0 {
				time.Sleep(d)
			}
		}
		handle(msg)
	}
}

// SendMessage queues an outgoing message. It is safe to call from any
// goroutine and never blocks: messages for a closed connection or a full
// queue are dropped.
func (c *lineConn) SendMessage(msg *irc.Message) {
	select {
	case <-c.done:
	case c.sendQ <- msg:
	default:
		c.logger.Printf("send queue full, dropping message")
	}
}

// Close shuts the connection down. Safe to call from any goroutine, and more
// than once; queued but unwritten messages are discarded.
func (c *lineConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.netConn.Close()
		c.logger.Printf("connection closed")
	})
	return err
}
