package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"clawgate/internal/protocol"
)

// Node is a registered node-role session plus its remote capability
// metadata.
type Node struct {
	ID          string
	ConnID      string
	DisplayName string
	Platform    string
	Commands    []string
	ConnectedAt time.Time
}

// NodeProber refreshes remote capability metadata and pushes voice-wake
// configuration after a node registers. Both calls are best effort: they
// run in the background and their failures never unwind a completed
// handshake.
type NodeProber interface {
	RefreshCapabilities(ctx context.Context, node *Node) error
	PushVoiceWakeConfig(ctx context.Context, node *Node) error
}

// NodeRegistry tracks connected nodes keyed by stable node id.
type NodeRegistry struct {
	mu        sync.RWMutex
	nodes     map[string]*Node
	allowlist map[string][]string // platform -> permitted commands
	logger    *slog.Logger
}

// NewNodeRegistry creates a node registry with a per-platform command
// allowlist. A platform absent from the allowlist permits all declared
// commands.
func NewNodeRegistry(allowlist map[string][]string, logger *slog.Logger) *NodeRegistry {
	return &NodeRegistry{
		nodes:     make(map[string]*Node),
		allowlist: allowlist,
		logger:    logger,
	}
}

// Register adds a node, filtering its declared command list against the
// configured allowlist for its platform. A reconnecting node replaces its
// previous entry.
func (nr *NodeRegistry) Register(node *Node) *Node {
	node.Commands = nr.filterCommands(node.Platform, node.Commands)
	nr.mu.Lock()
	nr.nodes[node.ID] = node
	nr.mu.Unlock()
	nr.logger.Info("node registered", "node", node.ID, "platform", node.Platform, "commands", len(node.Commands))
	return node
}

// Unregister removes a node, but only if it is still owned by connID. A
// node that reconnected keeps its fresh registration.
func (nr *NodeRegistry) Unregister(nodeID, connID string) bool {
	nr.mu.Lock()
	defer nr.mu.Unlock()
	node, ok := nr.nodes[nodeID]
	if !ok || node.ConnID != connID {
		return false
	}
	delete(nr.nodes, nodeID)
	return true
}

// Get returns a node by id.
func (nr *NodeRegistry) Get(nodeID string) (*Node, bool) {
	nr.mu.RLock()
	defer nr.mu.RUnlock()
	node, ok := nr.nodes[nodeID]
	return node, ok
}

// Snapshot assembles the node list for hello-ok responses.
func (nr *NodeRegistry) Snapshot() []protocol.NodeEntry {
	nr.mu.RLock()
	defer nr.mu.RUnlock()
	entries := make([]protocol.NodeEntry, 0, len(nr.nodes))
	for _, node := range nr.nodes {
		entries = append(entries, protocol.NodeEntry{
			ID:          node.ID,
			DisplayName: node.DisplayName,
			Platform:    node.Platform,
			Commands:    node.Commands,
			ConnectedAt: node.ConnectedAt.UnixMilli(),
		})
	}
	return entries
}

func (nr *NodeRegistry) filterCommands(platform string, declared []string) []string {
	allowed, ok := nr.allowlist[platform]
	if !ok {
		return declared
	}
	permitted := make(map[string]struct{}, len(allowed))
	for _, cmd := range allowed {
		permitted[cmd] = struct{}{}
	}
	filtered := make([]string, 0, len(declared))
	for _, cmd := range declared {
		if _, ok := permitted[cmd]; ok {
			filtered = append(filtered, cmd)
		} else {
			nr.logger.Debug("node command not in allowlist", "platform", platform, "command", cmd)
		}
	}
	return filtered
}
