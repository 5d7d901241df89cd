// Package capability announces what this gateway node can do on the bus and
// tracks the other voice gateway nodes it hears from.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "voice.node.announce"
	SubjectHeartbeatPrefix = "voice.node.heartbeat"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Describe lists the voice capabilities of a node running with cfg. The tts
// tier reports the device the voice model actually loaded on.
func Describe(cfg config.Config, accelerated bool) []Capability {
	ttsTier := cfg.TTS.Mode
	if cfg.TTS.Mode == "piper" {
		ttsTier = "cpu"
		if accelerated {
			ttsTier = "cuda"
		}
	}
	return []Capability{
		{
			Name: "tts",
			Tier: ttsTier,
			Attributes: map[string]string{
				"mode":        cfg.TTS.Mode,
				"sample_rate": strconv.Itoa(cfg.TTS.SampleRate),
				"channels":    strconv.Itoa(cfg.TTS.Channels),
			},
		},
		{Name: "stt", Tier: cfg.STT.Mode, Attributes: map[string]string{"language": cfg.STT.Language}},
		{Name: "agent", Tier: cfg.Agent.Mode},
	}
}

type Registry struct {
	cfg          config.NodeConfig
	capabilities []Capability
	log          *slog.Logger
	bus          *bus.Client
	mu           sync.RWMutex
	nodes        map[string]*NodeInfo
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	subs         []*nats.Subscription
	meter        metric.Meter
	registration metric.Registration
}

// NewRegistry subscribes to peer announcements, announces this node, and
// heartbeats until Close.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, capabilities []Capability, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:          cfg,
		capabilities: capabilities,
		log:          log.With(slog.String("component", "capability-registry")),
		bus:          busClient,
		nodes:        make(map[string]*NodeInfo),
		meter:        otel.Meter("github.com/loqalabs/loqa-voice/capability"),
		cancel:       cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx, time.Duration(cfg.HeartbeatInterval)*time.Millisecond)
	go r.monitorHealth(ctx, time.Second)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	if r.registration != nil {
		_ = r.registration.Unregister()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(SubjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return conn.Flush()
}

func (r *Registry) runHeartbeat(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context, every time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.capabilities,
		Timestamp:    time.Now().UTC(),
	}
	if err := r.bus.Publish(SubjectAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    r.cfg.ID,
		Timestamp: time.Now().UTC(),
	}
	return r.bus.Publish(SubjectHeartbeatPrefix+"."+r.cfg.ID, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	isNew := r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp)
	if isNew && announcement.NodeID != r.cfg.ID {
		// late joiners only learn our capabilities from an announcement
		if err := r.announce(); err != nil {
			r.log.Warn("failed to re-announce node", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	if r.updateNode(hb.NodeID, "", nil, hb.Timestamp) && hb.NodeID != r.cfg.ID {
		if err := r.announce(); err != nil {
			r.log.Warn("failed to re-announce node", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, timestamp time.Time) bool {
	if nodeID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	node.LastSeen = timestamp
	node.Healthy = true
	return !ok
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node's own heartbeats are reaching the bus.
func (r *Registry) Healthy() bool {
	if r == nil {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns the known nodes accepted by filter, or all of them.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		snapshot := *node
		if filter == nil || filter(snapshot) {
			results = append(results, snapshot)
		}
	}
	return results
}

func (r *Registry) initMetrics() error {
	gauge, err := r.meter.Int64ObservableGauge("loqa.voice.nodes", metric.WithDescription("Number of known voice gateway nodes"))
	if err != nil {
		return err
	}
	healthy, err := r.meter.Int64ObservableGauge("loqa.voice.nodes.healthy", metric.WithDescription("Number of healthy voice gateway nodes"))
	if err != nil {
		return err
	}
	r.registration, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		nodes, live := r.snapshotCounts()
		obs.ObserveInt64(gauge, nodes)
		obs.ObserveInt64(healthy, live)
		return nil
	}, gauge, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes, live int64
	for _, node := range r.nodes {
		nodes++
		if node.Healthy {
			live++
		}
	}
	return nodes, live
}

func WithCapabilityTier(name, tier string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name && (tier == "" || c.Tier == tier) {
				return true
			}
		}
		return false
	}
}
