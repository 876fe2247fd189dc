package observerproto

// Version is the observer protocol version.
const Version = "0.1"

// Message types.
const (
	TypeSubscribe    = "SUBSCRIBE"
	TypeViewpoint    = "VIEWPOINT"
	TypeCollidables  = "COLLIDABLES"
	TypePathQuery    = "PATH_QUERY"
	TypePathQueryPos = "PATH_QUERY_POS"

	TypeHello       = "HELLO"
	TypeStreamBatch = "STREAM_BATCH"
	TypeChunkTiles  = "CHUNK_TILES"
	TypeChunkEvict  = "CHUNK_EVICT"
	TypePathResult  = "PATH_RESULT"
	TypeError       = "ERROR"
)

// Envelope is decoded first to dispatch on Type.
type Envelope struct {
	Type string `json:"type"`
}

// Client -> Server. First message on the observer WS connection; can be re-sent
// to change what the session receives.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Categories filters STREAM_BATCH spawns/despawns by category name. Empty
	// means all.
	Categories []string `json:"categories,omitempty"`
	Chunks     bool     `json:"chunks"`
	// Drive lets this session move the viewpoint and publish collidables.
	Drive bool `json:"drive,omitempty"`
}

// Client -> Server. World-frame viewpoint.
type ViewpointMsg struct {
	Type string  `json:"type"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

type Collidable struct {
	Extent [2]float64 `json:"extent"`
	// Transform is a column-major 4x4 world transform.
	Transform [16]float64 `json:"transform"`
}

// Client -> Server. Replaces the collidable set.
type CollidablesMsg struct {
	Type  string       `json:"type"`
	Items []Collidable `json:"items"`
}

// Client -> Server. Path between two graph nodes.
type PathQueryMsg struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Start uint32 `json:"start"`
	Goal  uint32 `json:"goal"`
}

// Client -> Server. Path between the graph nodes nearest two world positions.
type PathQueryPosMsg struct {
	Type string     `json:"type"`
	ID   string     `json:"id,omitempty"`
	From [2]float64 `json:"from"`
	To   [2]float64 `json:"to"`
}

// Server -> Client. Sent once after a valid SUBSCRIBE.
type HelloMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	SessionID       string  `json:"session_id"`
	Tick            uint64  `json:"tick"`
	TickRateHz      int     `json:"tick_rate_hz"`
	MapScale        float64 `json:"map_scale"`
	GraphNodes      int     `json:"graph_nodes"`
	WorldDigest     string  `json:"world_digest"`
	ChunkTiles      int     `json:"chunk_tiles"`
	TileSize        float64 `json:"tile_size"`
}

type Spawn struct {
	ID       string     `json:"id"`
	Category string     `json:"category"`
	Kind     string     `json:"kind"`
	Position [2]float64 `json:"position"`
	Size     [2]float64 `json:"size,omitempty"`
	// Despawn circle: retire when (viewpoint, CameraRadius) stops overlapping
	// (Center, FeatureRadius).
	Center        [2]float64 `json:"center"`
	CameraRadius  float64    `json:"camera_radius"`
	FeatureRadius float64    `json:"feature_radius"`
	Payload       any        `json:"payload"`
}

type Despawn struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

// Server -> Client. Spawn and despawn intents from one tick.
type StreamBatchMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Tick            uint64     `json:"tick"`
	Viewpoint       [2]float64 `json:"viewpoint"`
	Spawns          []Spawn    `json:"spawns,omitempty"`
	Despawns        []Despawn  `json:"despawns,omitempty"`
}

// Server -> Client. Full tile grid of a chunk: texture indices, x fastest, -1
// for empty cells. Encoding is "I32LE_XY" (base64 of little-endian int32) or
// "RLE_I32_XY" (base64 of zigzag varint value, uvarint run pairs), whichever
// is shorter.
type ChunkTilesMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Layer           string     `json:"layer"`
	CX              int        `json:"cx"`
	CY              int        `json:"cy"`
	Size            int        `json:"size"`
	Center          [2]float64 `json:"center"`
	Encoding        string     `json:"encoding"`
	Data            string     `json:"data"`
	Digest          string     `json:"digest"`
}

// Server -> Client. Evict a chunk from the client cache.
type ChunkEvictMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Layer           string `json:"layer"`
	CX              int    `json:"cx"`
	CY              int    `json:"cy"`
}

// Server -> Client. Terminal state of a path query submitted by this session.
// Positions are in the world frame.
type PathResultMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Tick            uint64       `json:"tick"`
	ID              string       `json:"id"`
	State           string       `json:"state"`
	Reason          string       `json:"reason,omitempty"`
	Path            []uint32     `json:"path"`
	Positions       [][2]float64 `json:"positions,omitempty"`
	Cost            int          `json:"cost"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// BootstrapResponse is served over plain HTTP so clients can size caches
// before opening the WS.
type BootstrapResponse struct {
	ProtocolVersion string   `json:"protocol_version"`
	Tick            uint64   `json:"tick"`
	TickRateHz      int      `json:"tick_rate_hz"`
	MapScale        float64  `json:"map_scale"`
	GraphNodes      int      `json:"graph_nodes"`
	WorldDigest     string   `json:"world_digest"`
	ChunkTiles      int      `json:"chunk_tiles"`
	TileSize        float64  `json:"tile_size"`
	Categories      []string `json:"categories"`
	ChunkLayers     []string `json:"chunk_layers"`
}
