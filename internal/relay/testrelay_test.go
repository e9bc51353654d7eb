package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

// fakeConn is one accepted websocket on the fake relay.
type fakeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Reply writes one frame back to the client.
func (fc *fakeConn) Reply(frame string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	_ = fc.conn.Write(context.Background(), websocket.MessageText, []byte(frame))
}

// Drop closes the socket abruptly.
func (fc *fakeConn) Drop() {
	_ = fc.conn.Close(websocket.StatusGoingAway, "dropped")
}

// fakeFrame is one parsed incoming frame.
type fakeFrame struct {
	Label string
	Args  []gjson.Result
}

// fakeRelay is an in-process relay speaking just enough of the wire
// protocol for client tests. The handler runs per incoming frame.
type fakeRelay struct {
	srv     *httptest.Server
	handler func(fc *fakeConn, frame fakeFrame)

	mu     sync.Mutex
	frames []fakeFrame
}

func newFakeRelay(t *testing.T, handler func(fc *fakeConn, frame fakeFrame)) *fakeRelay {
	t.Helper()

	fr := &fakeRelay{handler: handler}
	fr.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fc := &fakeConn{conn: conn}
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			parsed := gjson.ParseBytes(data)
			if !parsed.IsArray() {
				continue
			}
			arr := parsed.Array()
			if len(arr) == 0 {
				continue
			}
			frame := fakeFrame{Label: arr[0].Str, Args: arr[1:]}

			fr.mu.Lock()
			fr.frames = append(fr.frames, frame)
			fr.mu.Unlock()

			if fr.handler != nil {
				fr.handler(fc, frame)
			}
		}
	}))
	t.Cleanup(fr.srv.Close)

	return fr
}

// URL returns the ws:// address of the fake relay.
func (fr *fakeRelay) URL() string {
	return "ws://" + strings.TrimPrefix(fr.srv.URL, "http://")
}

// ReceivedFrames snapshots the frames seen so far.
func (fr *fakeRelay) ReceivedFrames() []fakeFrame {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	out := make([]fakeFrame, len(fr.frames))
	copy(out, fr.frames)
	return out
}

// CountFrames counts frames with the given label.
func (fr *fakeRelay) CountFrames(label string) int {
	n := 0
	for _, f := range fr.ReceivedFrames() {
		if f.Label == label {
			n++
		}
	}
	return n
}

// eventFrame builds an EVENT frame for a subscription with a minimal event.
func eventFrame(subID, eventID string, createdAt int64) string {
	return `["EVENT","` + subID + `",{"id":"` + eventID + `","pubkey":"` +
		strings.Repeat("a", 64) + `","created_at":` + itoa(createdAt) +
		`,"kind":1,"tags":[],"content":"note ` + eventID + `","sig":""}]`
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}
