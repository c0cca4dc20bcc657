package hub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"

	log "github.com/sirupsen/logrus"

	"stressmonitor/apperr"
	"stressmonitor/broker"
	"stressmonitor/metrics"
	"stressmonitor/protocol"
)

// Hub fans events out to every registered observer, best effort. A
// connection whose send fails is dropped on the spot.
type Hub struct {
	registry *Registry
	broker   broker.Broker
	nodeID   string
	// deliverMu keeps concurrent broadcasts from interleaving, so each
	// connection sees events in submission order.
	deliverMu sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
}

func New(shardCount int, b broker.Broker) *Hub {
	nodeBytes := make([]byte, 16)
	rand.Read(nodeBytes)

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry: NewRegistry(shardCount),
		broker:   b,
		nodeID:   hex.EncodeToString(nodeBytes),
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := b.Subscribe(ctx, broker.EventsChannel, func(_ string, data []byte) {
		h.handleBrokerEvent(data)
	}); err != nil {
		log.WithError(err).Warn("event broker subscribe failed, serving local observers only")
	}
	return h
}

func (h *Hub) NodeID() string {
	return h.nodeID
}

func (h *Hub) Register(c Conn) {
	h.registry.Register(c)
	metrics.SetObservers(h.registry.Count())
	log.WithField("observer", c.ID()).Debug("observer registered")
}

// Unregister is idempotent.
func (h *Hub) Unregister(c Conn) {
	if h.registry.Unregister(c) {
		metrics.SetObservers(h.registry.Count())
		log.WithField("observer", c.ID()).Debug("observer unregistered")
	}
	c.Close()
}

func (h *Hub) Count() int {
	return h.registry.Count()
}

// Broadcast delivers msg to the local observers and forwards it to other
// instances through the broker. It returns the number of local deliveries.
func (h *Hub) Broadcast(msg *protocol.Message) int {
	msg.NodeID = ""
	data, err := protocol.Encode(msg)
	if err != nil {
		log.WithError(err).WithField("type", msg.Type).Error("encode event")
		return 0
	}
	metrics.RecordBroadcast(msg.Type)
	n := h.deliver(data)

	msg.NodeID = h.nodeID
	brokerData, err := protocol.Encode(msg)
	msg.NodeID = ""
	if err == nil {
		if err := h.broker.Publish(h.ctx, broker.EventsChannel, brokerData); err != nil && h.ctx.Err() == nil {
			log.WithError(err).WithField("type", msg.Type).Warn("event broker publish failed")
		}
	}
	return n
}

func (h *Hub) deliver(data []byte) int {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	delivered := 0
	for _, c := range h.registry.Snapshot() {
		if err := c.SendRaw(data); err != nil {
			derr := apperr.Delivery(err, "observer "+c.ID())
			log.WithError(derr).Debug("dropping observer")
			metrics.RecordDeliveryFailure()
			h.Unregister(c)
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) handleBrokerEvent(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		return
	}
	// skip events from self
	if msg.NodeID == h.nodeID {
		return
	}
	msg.NodeID = ""
	raw, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	h.deliver(raw)
}

func (h *Hub) Shutdown() {
	h.cancel()
	for _, c := range h.registry.Snapshot() {
		h.Unregister(c)
	}
	if err := h.broker.Close(); err != nil {
		log.WithError(err).Warn("broker close error")
	}
}
