package protocol

// Roles a connection may resolve to.
const (
	RoleOperator = "operator"
	RoleNode     = "node"
)

// Client modes that run in a browser context and are subject to the
// origin allowlist check.
const (
	ClientModeUI      = "ui"
	ClientModeWebChat = "webchat"
	ClientModeCLI     = "cli"
	ClientModeBackend = "backend"
	ClientModeNode    = "node"
	ClientModeProbe   = "probe"
)

// ConnectParams is the client-declared handshake payload carried in the
// first (and only pre-auth) request frame.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      ClientInfo  `json:"client"`
	Role        string      `json:"role,omitempty"`
	Scopes      []string    `json:"scopes,omitempty"`
	Commands    []string    `json:"commands,omitempty"`
	Auth        *AuthInfo   `json:"auth,omitempty"`
	Device      *DeviceInfo `json:"device,omitempty"`
}

// ClientInfo identifies the connecting client build.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Mode        string `json:"mode"`
	Version     string `json:"version"`
	Platform    string `json:"platform,omitempty"`
	InstanceID  string `json:"instanceId,omitempty"`
}

// AuthInfo carries shared-secret credentials.
type AuthInfo struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// DeviceInfo asserts a cryptographic device identity for this connection
// attempt. ID must be derivable from PublicKey; Signature covers the
// canonical connect payload including the server-issued Nonce.
type DeviceInfo struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce,omitempty"`
}

// ConnectChallenge is the payload of the connect.challenge event pushed to
// every new socket before its connect frame is read.
type ConnectChallenge struct {
	Nonce string `json:"nonce"`
}

// HelloOk is the successful connect response payload.
type HelloOk struct {
	Type     string      `json:"type"` // "hello-ok"
	Protocol int         `json:"protocol"`
	Server   ServerInfo  `json:"server"`
	Features Features    `json:"features"`
	Snapshot Snapshot    `json:"snapshot"`
	Auth     *AuthResult `json:"auth,omitempty"`
	Policy   PolicyInfo  `json:"policy"`
}

// ServerInfo identifies the gateway instance.
type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Host    string `json:"host,omitempty"`
	ConnID  string `json:"connId"`
}

// Features lists the methods and events callable on this connection.
type Features struct {
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// Snapshot is the state snapshot bundled into hello-ok.
type Snapshot struct {
	Presence []PresenceEntry `json:"presence"`
	Nodes    []NodeEntry     `json:"nodes"`
	Health   *HealthInfo     `json:"health,omitempty"`
}

// HealthInfo is the cached health block included in snapshots.
type HealthInfo struct {
	OK        bool  `json:"ok"`
	UptimeMs  int64 `json:"uptimeMs"`
	CheckedAt int64 `json:"checkedAt"`
}

// PolicyInfo carries connection policy limits.
type PolicyInfo struct {
	MaxPayload       int `json:"maxPayload"`
	MaxBufferedBytes int `json:"maxBufferedBytes"`
	TickIntervalMs   int `json:"tickIntervalMs"`
}

// AuthResult reports how the connection authenticated and, for device
// connections, the freshly minted or rotated bearer token.
type AuthResult struct {
	Method      string   `json:"method,omitempty"`
	DeviceToken string   `json:"deviceToken,omitempty"`
	Role        string   `json:"role,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	IssuedAtMs  int64    `json:"issuedAtMs,omitempty"`
}

// PresenceEntry describes one connected client in the presence snapshot.
type PresenceEntry struct {
	ConnID      string `json:"connId"`
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName,omitempty"`
	Mode        string `json:"mode"`
	Role        string `json:"role"`
	ConnectedAt int64  `json:"connectedAt"`
}

// NodeEntry describes one registered node in the node snapshot.
type NodeEntry struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName,omitempty"`
	Platform    string   `json:"platform,omitempty"`
	Commands    []string `json:"commands,omitempty"`
	ConnectedAt int64    `json:"connectedAt"`
}
