package exchange

// ClientState is a step of a single client query.
type ClientState string

const (
	ClientIdle          ClientState = "IDLE"
	ClientRequestSent   ClientState = "REQUEST_SENT"
	ClientReplyReceived ClientState = "REPLY_RECEIVED"
	ClientTimedOut      ClientState = "TIMED_OUT"
	ClientSizeMismatch  ClientState = "SIZE_MISMATCH"
	ClientDone          ClientState = "DONE"
)

// ServerState is a step of the server loop for one datagram.
type ServerState string

const (
	ServerListening  ServerState = "LISTENING"
	ServerReceiving  ServerState = "RECEIVING"
	ServerCollecting ServerState = "COLLECTING"
	ServerReplying   ServerState = "REPLYING"
	ServerStopped    ServerState = "STOPPED"
)

var clientTransitions = map[ClientState]map[ClientState]struct{}{
	ClientIdle: {
		ClientRequestSent: {},
		ClientDone:        {},
	},
	ClientRequestSent: {
		ClientReplyReceived: {},
		ClientTimedOut:      {},
		ClientSizeMismatch:  {},
		ClientDone:          {},
	},
	ClientReplyReceived: {
		ClientDone: {},
	},
	ClientTimedOut: {
		ClientDone: {},
	},
	ClientSizeMismatch: {
		ClientDone: {},
	},
}

var serverTransitions = map[ServerState]map[ServerState]struct{}{
	ServerListening: {
		ServerReceiving: {},
		ServerStopped:   {},
	},
	ServerReceiving: {
		ServerCollecting: {},
		ServerListening:  {},
	},
	ServerCollecting: {
		ServerReplying: {},
	},
	ServerReplying: {
		ServerListening: {},
		ServerStopped:   {},
	},
}

// CanTransitionClient reports whether a client state transition is valid.
func CanTransitionClient(from, to ClientState) bool {
	allowed, ok := clientTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// CanTransitionServer reports whether a server state transition is valid.
func CanTransitionServer(from, to ServerState) bool {
	allowed, ok := serverTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

type clientFSM struct {
	state ClientState
	hook  func(from, to ClientState)
}

func (f *clientFSM) to(next ClientState) {
	if f.hook != nil {
		f.hook(f.state, next)
	}
	f.state = next
}

type serverFSM struct {
	state ServerState
	hook  func(from, to ServerState)
}

func newServerFSM(hook func(from, to ServerState)) *serverFSM {
	return &serverFSM{state: ServerListening, hook: hook}
}

func (f *serverFSM) to(next ServerState) {
	if f.hook != nil {
		f.hook(f.state, next)
	}
	f.state = next
}
