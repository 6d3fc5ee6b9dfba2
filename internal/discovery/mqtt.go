package discovery

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/laserlink-core/internal/infrastructure/mqtt"
)

// Broker is the subset of the MQTT client the channel needs.
type Broker interface {
	ClientID() string
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishJSON(topic string, v any, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// envelope wraps every message so an instance can drop its own traffic.
type envelope struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// masterClaim names the Master and the broker client whose liveness backs it.
type masterClaim struct {
	ID       string `json:"id"`
	Instance string `json:"instance"`
}

type instanceStatus struct {
	Status   string `json:"status"`
	ClientID string `json:"client_id"`
}

// MQTTChannel is a Channel over an MQTT broker for instances running in
// separate processes.
//
// Updates and Master claims are published retained so an instance that
// starts late sees the current list and the current owner at once. A claim
// lasts until the owner releases it or its instance status turns offline,
// which the broker publishes through the owner's last will.
//
// Thread Safety: all methods are safe for concurrent use.
type MQTTChannel struct {
	broker Broker
	origin string
	qos    byte
	topics mqtt.Topics

	mu             sync.Mutex
	master         string
	masterInstance string
	offline        map[string]bool
	logger         Logger
}

// Ensure MQTTChannel implements Channel.
var _ Channel = (*MQTTChannel)(nil)

// NewMQTTChannel creates a channel and starts listening for master claims
// and instance liveness.
func NewMQTTChannel(broker Broker, qos byte) (*MQTTChannel, error) {
	c := &MQTTChannel{
		broker:  broker,
		origin:  uuid.NewString(),
		qos:     qos,
		offline: make(map[string]bool),
		logger:  noopLogger{},
	}
	if err := broker.Subscribe(c.topics.DiscoveryMaster(), qos, c.handleClaim); err != nil {
		return nil, fmt.Errorf("subscribing to master claims: %w", err)
	}
	if err := broker.Subscribe(c.topics.AllInstanceStatus(), qos, c.handleInstanceStatus); err != nil {
		return nil, fmt.Errorf("subscribing to instance status: %w", err)
	}
	return c, nil
}

// SetLogger sets the logger for the channel.
func (c *MQTTChannel) SetLogger(logger Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

// ClaimMaster announces id as Master. It fails with ErrMasterExists while
// another live instance holds the claim.
func (c *MQTTChannel) ClaimMaster(id string) error {
	instance := c.broker.ClientID()

	c.mu.Lock()
	if c.master != "" && c.master != id {
		c.mu.Unlock()
		return ErrMasterExists
	}
	c.master = id
	c.masterInstance = instance
	c.mu.Unlock()

	return c.publish(c.topics.DiscoveryMaster(), masterClaim{ID: id, Instance: instance}, true)
}

// ReleaseMaster clears the retained claim when id holds it.
func (c *MQTTChannel) ReleaseMaster(id string) error {
	c.mu.Lock()
	if c.master != id {
		c.mu.Unlock()
		return nil
	}
	c.master = ""
	c.masterInstance = ""
	c.mu.Unlock()

	// An empty retained message deletes the retained claim on the broker.
	return c.broker.Publish(c.topics.DiscoveryMaster(), nil, c.qos, true)
}

// PublishUpdate publishes the merged device list.
func (c *MQTTChannel) PublishUpdate(u Update) error {
	return c.publish(c.topics.DiscoveryDevices(), u, true)
}

// PublishPoke forwards a poke request to the Master.
func (c *MQTTChannel) PublishPoke(p PokeRequest) error {
	return c.publish(c.topics.DiscoveryPoke(), p, false)
}

// SubscribeUpdates registers fn for updates from other instances.
func (c *MQTTChannel) SubscribeUpdates(fn func(Update)) (func(), error) {
	topic := c.topics.DiscoveryDevices()
	err := c.broker.Subscribe(topic, c.qos, func(_ string, payload []byte) error {
		var u Update
		ok, err := c.open(payload, &u)
		if err != nil || !ok {
			return err
		}
		fn(u)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return c.unsubscriber(topic), nil
}

// SubscribePokes registers fn for poke requests from other instances.
func (c *MQTTChannel) SubscribePokes(fn func(PokeRequest)) (func(), error) {
	topic := c.topics.DiscoveryPoke()
	err := c.broker.Subscribe(topic, c.qos, func(_ string, payload []byte) error {
		var p PokeRequest
		ok, err := c.open(payload, &p)
		if err != nil || !ok {
			return err
		}
		fn(p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return c.unsubscriber(topic), nil
}

func (c *MQTTChannel) handleClaim(_ string, payload []byte) error {
	if len(payload) == 0 {
		c.clearMaster("", "released")
		return nil
	}

	var claim masterClaim
	ok, err := c.open(payload, &claim)
	if err != nil || !ok || claim.ID == "" {
		return err
	}
	// A claim left behind by an earlier run of this instance is stale.
	if claim.Instance != "" && claim.Instance == c.broker.ClientID() {
		c.clearMaster(claim.ID, "stale claim from this instance")
		return nil
	}

	c.mu.Lock()
	if c.offline[claim.Instance] {
		c.mu.Unlock()
		return nil
	}
	prev := c.master
	c.master = claim.ID
	c.masterInstance = claim.Instance
	logger := c.logger
	c.mu.Unlock()

	if prev != "" && prev != claim.ID {
		logger.Warn("discovery master changed", "previous", prev, "current", claim.ID)
	}
	return nil
}

func (c *MQTTChannel) handleInstanceStatus(_ string, payload []byte) error {
	var st instanceStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		return fmt.Errorf("decoding instance status: %w", err)
	}
	if st.ClientID == "" {
		return nil
	}

	c.mu.Lock()
	if st.Status != "offline" {
		delete(c.offline, st.ClientID)
		c.mu.Unlock()
		return nil
	}
	c.offline[st.ClientID] = true
	owner := c.masterInstance == st.ClientID
	id := c.master
	c.mu.Unlock()
	if owner {
		c.clearMaster(id, "master instance offline")
	}
	return nil
}

// clearMaster forgets the current claim. With a non-empty id only that
// claim is forgotten.
func (c *MQTTChannel) clearMaster(id, reason string) {
	c.mu.Lock()
	if id != "" && c.master != id {
		c.mu.Unlock()
		return
	}
	prev := c.master
	c.master = ""
	c.masterInstance = ""
	logger := c.logger
	c.mu.Unlock()

	if prev != "" {
		logger.Info("discovery master claim cleared", "master", prev, "reason", reason)
	}
}

func (c *MQTTChannel) publish(topic string, v any, retained bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", topic, err)
	}
	return c.broker.PublishJSON(topic, envelope{Origin: c.origin, Data: data}, retained)
}

// open decodes an envelope into v. It reports false for messages this
// channel published itself.
func (c *MQTTChannel) open(payload []byte, v any) (bool, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return false, fmt.Errorf("decoding discovery envelope: %w", err)
	}
	if env.Origin == c.origin {
		return false, nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return false, fmt.Errorf("decoding discovery payload: %w", err)
	}
	return true, nil
}

func (c *MQTTChannel) unsubscriber(topic string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := c.broker.Unsubscribe(topic); err != nil {
				c.mu.Lock()
				logger := c.logger
				c.mu.Unlock()
				logger.Warn("unsubscribing discovery topic", "topic", topic, "error", err)
			}
		})
	}
}
