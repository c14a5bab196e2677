package viewer

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"

	"tilestream.ai/internal/geom"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, v))
}

func TestServerSessionLifecycle(t *testing.T) {
	joined := make(chan *Session, 1)
	left := make(chan *Session, 1)

	s := NewServer(Options{
		TickRateHz: 20,
		OnJoin:     func(sess *Session) { joined <- sess },
		OnLeave:    func(sess *Session) { left <- sess },
	})
	srv := httptest.NewServer(s.WSHandler())
	defer srv.Close()

	conn := dial(t, srv)

	var welcome WelcomeMsg
	readJSON(t, conn, &welcome)
	require.Equal(t, TypeWelcome, welcome.Type)
	require.Equal(t, Version, welcome.ProtocolVersion)
	require.Equal(t, 20, welcome.TickRateHz)
	require.NotEmpty(t, welcome.SessionID)

	var sess *Session
	select {
	case sess = <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not join")
	}
	require.Equal(t, welcome.SessionID, sess.ID)
	require.Len(t, s.Sessions(), 1)

	_, ok := sess.Camera()
	require.False(t, ok)

	err := conn.WriteJSON(CameraMsg{
		Type:   TypeCamera,
		Eye:    [3]float64{0, 10, 0},
		Target: [3]float64{0, 10, -1},
		FovY:   1,
		Aspect: 1,
		Near:   1,
		Far:    500,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := sess.Camera()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cam, _ := sess.Camera()
	require.Equal(t, geom.V3(0, 10, 0), cam.Eye)
	require.Equal(t, 500.0, cam.Far)

	require.True(t, sess.Send(SelectionMsg{
		Type:  TypeSelection,
		Tick:  7,
		Nodes: []NodeRef{{Depth: 1, X: 0, Y: 1, Slot: 3}},
	}))

	var sel SelectionMsg
	readJSON(t, conn, &sel)
	require.Equal(t, uint64(7), sel.Tick)
	require.Equal(t, []NodeRef{{Depth: 1, X: 0, Y: 1, Slot: 3}}, sel.Nodes)

	require.NoError(t, conn.Close())

	select {
	case <-left:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not leave")
	}
	require.Empty(t, s.Sessions())
}

func TestServerRejectsInvalidCamera(t *testing.T) {
	s := NewServer(Options{})
	srv := httptest.NewServer(s.WSHandler())
	defer srv.Close()

	conn := dial(t, srv)

	var welcome WelcomeMsg
	readJSON(t, conn, &welcome)

	tests := []string{
		`{"type":"CAMERA","eye":[0,1],"target":[0,0,0]}`,
		`{"type":"HELLO"}`,
		`{"type":"CAMERA","eye":[0,1,2],"target":[0,0,0],"fov_y":-1}`,
		`not json`,
	}

	for _, msg := range tests {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))

		var e ErrorMsg
		readJSON(t, conn, &e)
		require.Equal(t, TypeError, e.Type)
	}

	sessions := s.Sessions()
	require.Len(t, sessions, 1)
	_, ok := sessions[0].Camera()
	require.False(t, ok)
}

func TestCameraDefaults(t *testing.T) {
	cam, err := decodeCamera([]byte(`{"type":"CAMERA","eye":[0,0,0],"target":[0,0,-1]}`))
	require.NoError(t, err)
	require.Greater(t, cam.FovY, 0.0)
	require.Greater(t, cam.Aspect, 0.0)
	require.Greater(t, cam.Far, cam.Near)

	f := cam.Frustum()
	in := geom.Box{Min: geom.V3(-1, -1, -20), Max: geom.V3(1, 1, -10)}
	behind := geom.Box{Min: geom.V3(-1, -1, 10), Max: geom.V3(1, 1, 20)}
	require.NotEqual(t, geom.Disjoint, f.ContainsBox(in))
	require.Equal(t, geom.Disjoint, f.ContainsBox(behind))
}

func TestIsLoopbackRemote(t *testing.T) {
	require.True(t, isLoopbackRemote("127.0.0.1:5000"))
	require.True(t, isLoopbackRemote("[::1]:5000"))
	require.False(t, isLoopbackRemote("10.0.0.2:5000"))
	require.False(t, isLoopbackRemote("garbage"))
}
