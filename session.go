package tonik

import (
	"time"
)

// Session table capacity and per-negotiation budgets. All fail closed.
const (
	saslMaxSessions = 256
	saslMaxMessages = 20
	saslMaxFailures = 3
)

// saslSession tracks one in-progress SASL negotiation. Sessions are keyed by
// client and cleaned up on client exit.
type saslSession struct {
	client    *Client
	agent     string // UID of the services agent, "" until bound
	messages  int    // client continuations relayed so far
	failures  int    // failed outcomes observed so far
	startTime time.Time
	complete  bool
}

// bindAgent records the services agent conducting this session. The agent is
// written exactly once; a second bind attempt is a bug in the caller.
func (s *saslSession) bindAgent(agent string) {
	if s.agent != "" {
		panic("sasl: agent already bound")
	}
	s.agent = agent
}

// sessionTable is a fixed-capacity registry of in-progress negotiations.
// At most one session exists per client. All access happens from the event
// loop, so there is no locking.
type sessionTable struct {
	sessions [saslMaxSessions]saslSession
}

func (t *sessionTable) find(client *Client) *saslSession {
	for i := range t.sessions {
		if t.sessions[i].client == client {
			return &t.sessions[i]
		}
	}
	return nil
}

// allocate returns a cleared session bound to client, or nil when the table
// is full.
func (t *sessionTable) allocate(client *Client) *saslSession {
	for i := range t.sessions {
		if t.sessions[i].client == nil {
			t.sessions[i] = saslSession{
				client:    client,
				startTime: time.Now(),
			}
			return &t.sessions[i]
		}
	}
	return nil
}

func (t *sessionTable) clear(session *saslSession) {
	*session = saslSession{}
}

// reset clears every slot. Used on module teardown.
func (t *sessionTable) reset() {
	for i := range t.sessions {
		t.sessions[i] = saslSession{}
	}
}

func (t *sessionTable) count() int {
	n := 0
	for i := range t.sessions {
		if t.sessions[i].client != nil {
			n++
		}
	}
	return n
}
