package viewer

import (
	"math"

	"tilestream.ai/internal/geom"
)

// Version is the viewer protocol version.
const Version = "0.1"

const (
	TypeWelcome   = "WELCOME"
	TypeCamera    = "CAMERA"
	TypeSelection = "SELECTION"
	TypeError     = "ERROR"
)

// Server -> Client. First message after the upgrade.
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	TickRateHz      int    `json:"tick_rate_hz"`
}

// Client -> Server. Sent whenever the camera moves; the latest pose wins.
type CameraMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version,omitempty"`
	Eye             [3]float64 `json:"eye"`
	Target          [3]float64 `json:"target"`
	FovY            float64    `json:"fov_y,omitempty"`
	Aspect          float64    `json:"aspect,omitempty"`
	Near            float64    `json:"near,omitempty"`
	Far             float64    `json:"far,omitempty"`
}

// Server -> Client. Sent every tick once the session has a camera.
type SelectionMsg struct {
	Type  string    `json:"type"`
	Tick  uint64    `json:"tick"`
	Nodes []NodeRef `json:"nodes"`
}

type NodeRef struct {
	Depth int `json:"depth"`
	X     int `json:"x"`
	Y     int `json:"y"`
	Slot  int `json:"slot"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Camera is the pose of a viewer.
type Camera struct {
	Eye    geom.Vec3
	Target geom.Vec3
	FovY   float64
	Aspect float64
	Near   float64
	Far    float64
}

func cameraFromMsg(m CameraMsg) Camera {
	c := Camera{
		Eye:    geom.V3(m.Eye[0], m.Eye[1], m.Eye[2]),
		Target: geom.V3(m.Target[0], m.Target[1], m.Target[2]),
		FovY:   m.FovY,
		Aspect: m.Aspect,
		Near:   m.Near,
		Far:    m.Far,
	}
	if c.FovY <= 0 {
		c.FovY = math.Pi / 3
	}
	if c.Aspect <= 0 {
		c.Aspect = 16.0 / 9.0
	}
	if c.Near <= 0 {
		c.Near = 0.1
	}
	if c.Far <= c.Near {
		c.Far = 10000
	}
	return c
}

// Frustum returns the view frustum of the camera with Y up.
func (c Camera) Frustum() geom.Frustum {
	return geom.Perspective(c.Eye, c.Target, geom.V3(0, 1, 0), c.FovY, c.Aspect, c.Near, c.Far)
}
