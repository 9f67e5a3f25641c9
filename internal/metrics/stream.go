package metrics

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamBuffer       = 256
	streamWriteTimeout = 5 * time.Second
)

// StreamMessage is one frame on the /peers/stream websocket. The first frame
// is a snapshot, every later frame carries a single exchange.
type StreamMessage struct {
	Type     string        `json:"type"`
	Snapshot *PeerSnapshot `json:"snapshot,omitempty"`
	Event    *PeerEvent    `json:"event,omitempty"`
}

func peerStreamHandler(peers *PeerTracker) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		events, cancel := peers.Subscribe(streamBuffer)
		defer cancel()

		// Reads only detect the peer going away.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if !writeFrame(conn, StreamMessage{Type: "snapshot", Snapshot: peers.Snapshot(false)}) {
			return
		}

		for {
			select {
			case <-closed:
				return
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if !writeFrame(conn, StreamMessage{Type: "exchange", Event: &ev}) {
					return
				}
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, msg StreamMessage) bool {
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(msg) == nil
}
