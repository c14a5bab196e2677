// Package viewer serves the websocket endpoint through which viewers push
// camera poses and receive the nodes selected for them every tick.
package viewer

import (
	"bytes"
	"context"
	_ "embed"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/segmentio/encoding/json"
)

//go:embed camera.schema.json
var cameraSchemaJSON string

var cameraSchema = jsonschema.MustCompileString("camera.schema.json", cameraSchemaJSON)

// Session is one connected viewer.
type Session struct {
	ID string

	mu     sync.Mutex
	camera Camera
	ready  bool
	out    chan []byte
}

// Camera returns the latest pose pushed by the viewer, if any.
func (s *Session) Camera() (Camera, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.camera, s.ready
}

func (s *Session) setCamera(c Camera) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.camera = c
	s.ready = true
}

// Send queues a message for the viewer. It returns false when the viewer is
// too slow and the message was dropped.
func (s *Session) Send(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		logs.Warn(errors.New("encoding viewer message failed").
			WithTag("session_id", s.ID).
			Wrap(err))
		return false
	}

	select {
	case s.out <- b:
		return true
	default:
		return false
	}
}

type Options struct {
	TickRateHz   int
	LoopbackOnly bool
	// OnJoin and OnLeave are called from the connection goroutine.
	OnJoin  func(s *Session)
	OnLeave func(s *Session)
}

type Server struct {
	opts     Options
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewServer(opts Options) *Server {
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}
}

// Sessions returns the connected sessions ordered by id.
func (s *Server) Sessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}

func (s *Server) join(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	if s.opts.OnJoin != nil {
		s.opts.OnJoin(sess)
	}
	logs.WithTag("session_id", sess.ID).Info("viewer connected")
}

func (s *Server) leave(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()

	if s.opts.OnLeave != nil {
		s.opts.OnLeave(sess)
	}
	logs.WithTag("session_id", sess.ID).Info("viewer disconnected")
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.opts.LoopbackOnly && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := &Session{
			ID:  uuid.NewString(),
			out: make(chan []byte, 16),
		}
		sess.Send(WelcomeMsg{
			Type:            TypeWelcome,
			ProtocolVersion: Version,
			SessionID:       sess.ID,
			TickRateHz:      s.opts.TickRateHz,
		})

		s.join(sess)
		defer s.leave(sess)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						cancel()
						return
					}
				}
			}
		}()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}

			cam, err := decodeCamera(msg)
			if err != nil {
				logs.WithTag("session_id", sess.ID).Debug(err)
				sess.Send(ErrorMsg{Type: TypeError, Message: "bad CAMERA message"})
				continue
			}
			sess.setCamera(cam)
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func decodeCamera(msg []byte) (Camera, error) {
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Camera{}, errors.New("decoding viewer message failed").Wrap(err)
	}
	if err := cameraSchema.Validate(doc); err != nil {
		return Camera{}, errors.New("viewer message does not match schema").Wrap(err)
	}

	var m CameraMsg
	if err := json.Unmarshal(msg, &m); err != nil {
		return Camera{}, errors.New("decoding viewer message failed").Wrap(err)
	}
	return cameraFromMsg(m), nil
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
