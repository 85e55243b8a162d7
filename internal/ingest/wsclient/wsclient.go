// Package wsclient implements ingest.Source over a websocket connection
// to an upstream event feed, the live counterpart to
// internal/ingest/fixture's deterministic replay source. It is the
// concrete connection internal/ingest/reconnect redials on disconnect.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luxfi/hyperproj/internal/ingest"
)

// Source reads one JSON ingest.Event per message off a single
// websocket connection until the peer closes it or a read fails, at
// which point Events' channel closes — internal/ingest/reconnect treats
// that as a disconnect and redials via Dial.
type Source struct {
	conn   *websocket.Conn
	events chan ingest.Event
	done   chan struct{}
}

// Dial opens a websocket connection to addr, requesting replay resume
// from just after resumeFrom via a resume_from query parameter. Satisfies
// internal/ingest/reconnect.Dialer.
func Dial(ctx context.Context, addr string, resumeFrom int64) (ingest.Source, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("wsclient: parsing %s: %w", addr, err)
	}
	q := u.Query()
	q.Set("resume_from", strconv.FormatInt(resumeFrom, 10))
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial %s: %w", u.String(), err)
	}

	s := &Source{
		conn:   conn,
		events: make(chan ingest.Event, 256),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *Source) readLoop() {
	defer close(s.events)
	defer close(s.done)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var ev ingest.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *Source) Events() <-chan ingest.Event { return s.events }

// Ack sends the committed ordering upstream as a control frame so the
// peer can advance its own retention watermark; best-effort, since a
// failed ack here just means the next reconnect resumes from an earlier
// point and replays a few already-applied events (idempotent replay of
// an already-applied mutation is a no-op).
func (s *Source) Ack(ordering int64) error {
	frame, _ := json.Marshal(map[string]int64{"ack": ordering})
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// Resume is a no-op here: resuming from a given ordering is negotiated
// at Dial time via the resume_from query parameter, not mid-connection.
func (s *Source) Resume(from int64) error { return nil }

func (s *Source) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
