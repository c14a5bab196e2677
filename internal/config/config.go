// Package config loads the streamd configuration file.
package config

import (
	"bytes"
	_ "embed"
	"os"
	"strings"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/segmentio/encoding/json"
	"gopkg.in/yaml.v3"

	"tilestream.ai/internal/container"
	"tilestream.ai/internal/geom"
	"tilestream.ai/internal/stream/grid"
)

const ErrTypeInvalidConfig = "invalid-config"

//go:embed schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("streamd.schema.json", schemaJSON)

type Config struct {
	Terrain     TerrainSpec     `yaml:"terrain"`
	Physics     PhysicsSpec     `yaml:"physics"`
	Observer    ObserverSpec    `yaml:"observer"`
	Streaming   StreamingSpec   `yaml:"streaming"`
	Server      ServerSpec      `yaml:"server"`
	Persistence PersistenceSpec `yaml:"persistence"`
	Log         LogSpec         `yaml:"log"`
}

type TerrainSpec struct {
	Container string `yaml:"container"`
	Tree      string `yaml:"tree"`
	Codec     string `yaml:"codec"`
	Capacity  int    `yaml:"capacity"`

	// LevelCount of zero uses one level per tree depth.
	LevelCount   int     `yaml:"level_count"`
	LeafNodeSize int     `yaml:"leaf_node_size"`
	PatchScale   float64 `yaml:"patch_scale"`

	ColorEnabled bool      `yaml:"color_enabled"`
	Shape        ShapeSpec `yaml:"shape"`
}

type ShapeSpec struct {
	HeightSize int `yaml:"height_size"`
	ColorSize  int `yaml:"color_size"`
	BlendSize  int `yaml:"blend_size"`
}

// PhysicsSpec configures the physics grid. An empty container disables it.
type PhysicsSpec struct {
	Container       string     `yaml:"container"`
	Codec           string     `yaml:"codec"`
	Capacity        int        `yaml:"capacity"`
	Left            int        `yaml:"left"`
	Top             int        `yaml:"top"`
	Width           int        `yaml:"width"`
	Height          int        `yaml:"height"`
	Origin          [2]float64 `yaml:"origin"`
	CellSize        [2]float64 `yaml:"cell_size"`
	HeightfieldSize int        `yaml:"heightfield_size"`
}

type ObserverSpec struct {
	LoadingRange       float64 `yaml:"loading_range"`
	UnloadingRange     float64 `yaml:"unloading_range"`
	SafeRange          float64 `yaml:"safe_range"`
	GridLoadingRange   float64 `yaml:"grid_loading_range"`
	GridUnloadingRange float64 `yaml:"grid_unloading_range"`
}

type StreamingSpec struct {
	LoadsPerSecond float64 `yaml:"loads_per_second"`
	FetchTimeoutMs int     `yaml:"fetch_timeout_ms"`
}

type ServerSpec struct {
	ViewerAddr  string `yaml:"viewer_addr"`
	AdminAddr   string `yaml:"admin_addr"`
	TickRateHz  int    `yaml:"tick_rate_hz"`
	MaxSelected int    `yaml:"max_selected"`
}

type PersistenceSpec struct {
	EventLogDir          string `yaml:"event_log_dir"`
	IndexDB              string `yaml:"index_db"`
	ResidencySampleTicks int    `yaml:"residency_sample_ticks"`
}

type LogSpec struct {
	Level  string `yaml:"level"`
	Indent bool   `yaml:"indent"`
}

// Load reads a config file on top of the defaults. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.New("reading config failed").
			WithTag("path", path).
			Wrap(err)
	}
	if err := Parse(b, &cfg); err != nil {
		return cfg, errors.New("loading config failed").
			WithType(ErrTypeInvalidConfig).
			WithTag("path", path).
			Wrap(err)
	}
	return cfg, nil
}

// Parse validates a yaml document against the config schema and decodes it
// into cfg, then normalizes and validates the result.
func Parse(b []byte, cfg *Config) error {
	if err := validateSchema(b); err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return errors.New("decoding config failed").
			WithType(ErrTypeInvalidConfig).
			Wrap(err)
	}

	cfg.Normalize()
	return cfg.Validate()
}

func validateSchema(b []byte) error {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return errors.New("decoding config failed").
			WithType(ErrTypeInvalidConfig).
			Wrap(err)
	}
	if doc == nil {
		return nil
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return errors.New("config is not representable as json").
			WithType(ErrTypeInvalidConfig).
			Wrap(err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return errors.New("config is not representable as json").
			WithType(ErrTypeInvalidConfig).
			Wrap(err)
	}

	if err := schema.Validate(v); err != nil {
		return errors.New("config does not match schema").
			WithType(ErrTypeInvalidConfig).
			Wrap(err)
	}
	return nil
}

func Defaults() Config {
	return Config{
		Terrain: TerrainSpec{
			Codec:        container.Zstd{}.Name(),
			Capacity:     512,
			LeafNodeSize: 32,
			PatchScale:   1,
			ColorEnabled: true,
			Shape: ShapeSpec{
				HeightSize: 33 * 33 * 2,
				ColorSize:  32 * 32 * 4,
				BlendSize:  32 * 32 * 4,
			},
		},
		Physics: PhysicsSpec{
			Codec:           container.Zstd{}.Name(),
			Capacity:        64,
			CellSize:        [2]float64{64, 64},
			HeightfieldSize: 65 * 65 * 4,
		},
		Observer: ObserverSpec{
			LoadingRange:       20,
			UnloadingRange:     30,
			GridLoadingRange:   100,
			GridUnloadingRange: 200,
		},
		Server: ServerSpec{
			ViewerAddr:  ":8080",
			AdminAddr:   ":9090",
			TickRateHz:  20,
			MaxSelected: 1024,
		},
		Persistence: PersistenceSpec{
			ResidencySampleTicks: 100,
		},
		Log: LogSpec{
			Level: "info",
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}

	c.Terrain.Codec = strings.ToLower(strings.TrimSpace(c.Terrain.Codec))
	c.Physics.Codec = strings.ToLower(strings.TrimSpace(c.Physics.Codec))
	if c.Terrain.PatchScale <= 0 {
		c.Terrain.PatchScale = 1
	}
	if c.Observer.GridUnloadingRange < c.Observer.GridLoadingRange {
		c.Observer.GridUnloadingRange = c.Observer.GridLoadingRange
	}
	if c.Observer.UnloadingRange < c.Observer.LoadingRange {
		c.Observer.UnloadingRange = c.Observer.LoadingRange
	}
	if c.Persistence.ResidencySampleTicks <= 0 {
		c.Persistence.ResidencySampleTicks = 100
	}
	if c.Server.MaxSelected <= 0 {
		c.Server.MaxSelected = 1024
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
}

func (c Config) Validate() error {
	invalid := func(msg, field string, value any) error {
		return errors.New(msg).
			WithType(ErrTypeInvalidConfig).
			WithTag("field", field).
			WithTag("value", value)
	}

	if strings.TrimSpace(c.Terrain.Container) == "" {
		return invalid("terrain container must not be empty", "terrain.container", c.Terrain.Container)
	}
	if strings.TrimSpace(c.Terrain.Tree) == "" {
		return invalid("terrain tree must not be empty", "terrain.tree", c.Terrain.Tree)
	}
	if _, err := container.CodecByName(c.Terrain.Codec); err != nil {
		return invalid("unknown terrain codec", "terrain.codec", c.Terrain.Codec)
	}
	if c.Terrain.Capacity <= 0 {
		return invalid("terrain capacity must be > 0", "terrain.capacity", c.Terrain.Capacity)
	}
	if c.Terrain.LevelCount < 0 {
		return invalid("terrain level count must be >= 0", "terrain.level_count", c.Terrain.LevelCount)
	}
	if c.Terrain.LeafNodeSize <= 0 {
		return invalid("terrain leaf node size must be > 0", "terrain.leaf_node_size", c.Terrain.LeafNodeSize)
	}
	shape := c.Terrain.Shape
	if shape.HeightSize <= 0 || shape.BlendSize <= 0 || (c.Terrain.ColorEnabled && shape.ColorSize <= 0) {
		return invalid("terrain tile shape sizes must be > 0", "terrain.shape", shape)
	}

	if c.PhysicsEnabled() {
		p := c.Physics
		if _, err := container.CodecByName(p.Codec); err != nil {
			return invalid("unknown physics codec", "physics.codec", p.Codec)
		}
		if p.Capacity <= 0 {
			return invalid("physics capacity must be > 0", "physics.capacity", p.Capacity)
		}
		if p.Width <= 0 || p.Height <= 0 {
			return invalid("physics grid must not be empty", "physics.width", [2]int{p.Width, p.Height})
		}
		if p.CellSize[0] <= 0 || p.CellSize[1] <= 0 {
			return invalid("physics cell size must be > 0", "physics.cell_size", p.CellSize)
		}
		if p.HeightfieldSize <= 0 {
			return invalid("physics heightfield size must be > 0", "physics.heightfield_size", p.HeightfieldSize)
		}
	}

	o := c.Observer
	if o.LoadingRange < 0 || o.GridLoadingRange < 0 {
		return invalid("loading ranges must be >= 0", "observer.loading_range", o.LoadingRange)
	}

	if c.Streaming.LoadsPerSecond < 0 {
		return invalid("loads per second must be >= 0", "streaming.loads_per_second", c.Streaming.LoadsPerSecond)
	}
	if c.Streaming.FetchTimeoutMs < 0 {
		return invalid("fetch timeout must be >= 0", "streaming.fetch_timeout_ms", c.Streaming.FetchTimeoutMs)
	}

	if c.Server.TickRateHz <= 0 {
		return invalid("tick rate must be > 0", "server.tick_rate_hz", c.Server.TickRateHz)
	}
	if strings.TrimSpace(c.Server.ViewerAddr) == "" {
		return invalid("viewer address must not be empty", "server.viewer_addr", c.Server.ViewerAddr)
	}
	return nil
}

func (c Config) PhysicsEnabled() bool {
	return strings.TrimSpace(c.Physics.Container) != ""
}

func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Streaming.FetchTimeoutMs) * time.Millisecond
}

func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.Server.TickRateHz)
}

// Layout returns the physics grid layout.
func (p PhysicsSpec) Layout() grid.Layout {
	return grid.Layout{
		Left:     p.Left,
		Top:      p.Top,
		Width:    p.Width,
		Height:   p.Height,
		Origin:   geom.Vec2{X: p.Origin[0], Y: p.Origin[1]},
		CellSize: geom.Vec2{X: p.CellSize[0], Y: p.CellSize[1]},
	}
}
