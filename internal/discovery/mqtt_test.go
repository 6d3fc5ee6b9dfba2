package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/nerrad567/laserlink-core/internal/device"
	"github.com/nerrad567/laserlink-core/internal/infrastructure/mqtt"
)

// fakeBroker routes JSON payloads between MQTTChannels in memory. Each
// channel gets its own client view so topics can be subscribed once per client.
type fakeBroker struct {
	mu       sync.Mutex
	next     int
	subs     map[*fakeClient]map[string]mqtt.MessageHandler
	retained map[string][]byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		subs:     make(map[*fakeClient]map[string]mqtt.MessageHandler),
		retained: make(map[string][]byte),
	}
}

type fakeClient struct {
	broker *fakeBroker
	id     string
}

func (b *fakeBroker) client() *fakeClient {
	b.mu.Lock()
	b.next++
	id := fmt.Sprintf("client-%d", b.next)
	b.mu.Unlock()
	return b.clientWithID(id)
}

func (b *fakeBroker) clientWithID(id string) *fakeClient {
	c := &fakeClient{broker: b, id: id}
	b.mu.Lock()
	b.subs[c] = make(map[string]mqtt.MessageHandler)
	b.mu.Unlock()
	return c
}

// disconnect drops c's subscriptions and publishes its retained offline
// status, as the broker does with a last will.
func (b *fakeBroker) disconnect(t *testing.T, c *fakeClient) {
	t.Helper()
	b.mu.Lock()
	delete(b.subs, c)
	b.mu.Unlock()
	status := map[string]string{"status": "offline", "client_id": c.id}
	if err := b.clientWithID("broker").PublishJSON(mqtt.Topics{}.InstanceStatus(c.id), status, true); err != nil {
		t.Fatalf("publishing offline status: %v", err)
	}
}

// topicMatches supports the single-level wildcard.
func topicMatches(filter, topic string) bool {
	fs, ts := strings.Split(filter, "/"), strings.Split(topic, "/")
	if len(fs) != len(ts) {
		return false
	}
	for i := range fs {
		if fs[i] != "+" && fs[i] != ts[i] {
			return false
		}
	}
	return true
}

func (c *fakeClient) ClientID() string { return c.id }

func (c *fakeClient) PublishJSON(topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Publish(topic, payload, 1, retained)
}

func (c *fakeClient) Publish(topic string, payload []byte, _ byte, retained bool) error {
	b := c.broker
	b.mu.Lock()
	if retained {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = payload
		}
	}
	var handlers []mqtt.MessageHandler
	for _, topics := range b.subs {
		for filter, h := range topics {
			if topicMatches(filter, topic) {
				handlers = append(handlers, h)
			}
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h(topic, payload); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b := c.broker
	b.mu.Lock()
	b.subs[c][topic] = handler
	matched := make(map[string][]byte)
	for t, payload := range b.retained {
		if topicMatches(topic, t) {
			matched[t] = payload
		}
	}
	b.mu.Unlock()
	for t, payload := range matched {
		if err := handler(t, payload); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeClient) Unsubscribe(topic string) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[c], topic)
	return nil
}

func TestMQTTChannel_UpdatesReachOtherInstances(t *testing.T) {
	broker := newFakeBroker()
	master, err := NewMQTTChannel(broker.client(), 1)
	if err != nil {
		t.Fatalf("NewMQTTChannel() error = %v", err)
	}
	slave, err := NewMQTTChannel(broker.client(), 1)
	if err != nil {
		t.Fatalf("NewMQTTChannel() error = %v", err)
	}

	var got []Update
	unsub, err := slave.SubscribeUpdates(func(u Update) { got = append(got, u) })
	if err != nil {
		t.Fatalf("SubscribeUpdates() error = %v", err)
	}

	// The publisher's own subscription must not see its message.
	var echoed int
	if _, err := master.SubscribeUpdates(func(Update) { echoed++ }); err != nil {
		t.Fatal(err)
	}

	update := Update{
		DeviceMap:    map[string]device.Info{"fw-1": {UUID: "fw-1", Model: "fbm1"}},
		RelayDevices: []device.Info{{UUID: "relay-1"}},
	}
	if err := master.PublishUpdate(update); err != nil {
		t.Fatalf("PublishUpdate() error = %v", err)
	}

	if len(got) != 1 || got[0].DeviceMap["fw-1"].Model != "fbm1" || len(got[0].RelayDevices) != 1 {
		t.Errorf("slave received %+v", got)
	}
	if echoed != 0 {
		t.Errorf("publisher received its own update %d times", echoed)
	}

	unsub()
	if err := master.PublishUpdate(update); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("received %d updates after unsubscribe, want 1", len(got))
	}
}

func TestMQTTChannel_LateSubscriberGetsRetainedUpdate(t *testing.T) {
	broker := newFakeBroker()
	master, _ := NewMQTTChannel(broker.client(), 1)
	if err := master.PublishUpdate(Update{DeviceMap: map[string]device.Info{"a": {UUID: "a"}}}); err != nil {
		t.Fatal(err)
	}

	late, _ := NewMQTTChannel(broker.client(), 1)
	var got int
	if _, err := late.SubscribeUpdates(func(Update) { got++ }); err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Errorf("late subscriber received %d updates, want 1", got)
	}
}

func TestMQTTChannel_Pokes(t *testing.T) {
	broker := newFakeBroker()
	master, _ := NewMQTTChannel(broker.client(), 1)
	slave, _ := NewMQTTChannel(broker.client(), 1)

	var got PokeRequest
	if _, err := master.SubscribePokes(func(p PokeRequest) { got = p }); err != nil {
		t.Fatal(err)
	}
	if err := slave.PublishPoke(PokeRequest{IP: "10.0.0.9", Options: PokeOptions{TCP: true}}); err != nil {
		t.Fatal(err)
	}
	if got.IP != "10.0.0.9" || !got.Options.TCP {
		t.Errorf("master received %+v", got)
	}
}

func TestMQTTChannel_ClaimMaster(t *testing.T) {
	broker := newFakeBroker()
	a, _ := NewMQTTChannel(broker.client(), 1)
	b, _ := NewMQTTChannel(broker.client(), 1)

	if err := a.ClaimMaster("instance-a"); err != nil {
		t.Fatalf("ClaimMaster(a) error = %v", err)
	}
	if err := a.ClaimMaster("instance-a"); err != nil {
		t.Errorf("repeat ClaimMaster(a) error = %v", err)
	}
	if err := b.ClaimMaster("instance-b"); !errors.Is(err, ErrMasterExists) {
		t.Errorf("ClaimMaster(b) error = %v, want ErrMasterExists", err)
	}
}

func TestMQTTChannel_LateInstanceSeesRetainedClaim(t *testing.T) {
	broker := newFakeBroker()
	a, _ := NewMQTTChannel(broker.client(), 1)
	if err := a.ClaimMaster("instance-a"); err != nil {
		t.Fatalf("ClaimMaster(a) error = %v", err)
	}

	late, err := NewMQTTChannel(broker.client(), 1)
	if err != nil {
		t.Fatalf("NewMQTTChannel() error = %v", err)
	}
	if err := late.ClaimMaster("instance-b"); !errors.Is(err, ErrMasterExists) {
		t.Errorf("late ClaimMaster(b) error = %v, want ErrMasterExists", err)
	}
}

func TestMQTTChannel_ReleaseFreesClaim(t *testing.T) {
	broker := newFakeBroker()
	a, _ := NewMQTTChannel(broker.client(), 1)
	b, _ := NewMQTTChannel(broker.client(), 1)

	if err := a.ClaimMaster("instance-a"); err != nil {
		t.Fatal(err)
	}
	if err := a.ReleaseMaster("instance-a"); err != nil {
		t.Fatalf("ReleaseMaster() error = %v", err)
	}
	if _, ok := broker.retained[mqtt.Topics{}.DiscoveryMaster()]; ok {
		t.Error("retained claim still present after release")
	}
	if err := b.ClaimMaster("instance-b"); err != nil {
		t.Errorf("ClaimMaster(b) after release error = %v", err)
	}

	late, _ := NewMQTTChannel(broker.client(), 1)
	if err := late.ClaimMaster("instance-c"); !errors.Is(err, ErrMasterExists) {
		t.Errorf("late ClaimMaster(c) error = %v, want ErrMasterExists", err)
	}
}

func TestMQTTChannel_OfflineMasterFreesClaim(t *testing.T) {
	tests := []struct {
		name string
		late bool
	}{
		{"running instance sees last will", false},
		{"late instance sees retained offline status", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := newFakeBroker()
			ownerClient := broker.client()
			owner, _ := NewMQTTChannel(ownerClient, 1)
			if err := owner.ClaimMaster("instance-a"); err != nil {
				t.Fatal(err)
			}

			var other *MQTTChannel
			if !tt.late {
				other, _ = NewMQTTChannel(broker.client(), 1)
			}
			broker.disconnect(t, ownerClient)
			if tt.late {
				other, _ = NewMQTTChannel(broker.client(), 1)
			}

			if err := other.ClaimMaster("instance-b"); err != nil {
				t.Errorf("ClaimMaster(b) after owner went offline error = %v", err)
			}
		})
	}
}

func TestMQTTChannel_StaleClaimFromSameInstance(t *testing.T) {
	broker := newFakeBroker()
	first := broker.clientWithID("laserlink-01")
	prev, _ := NewMQTTChannel(first, 1)
	if err := prev.ClaimMaster("run-1"); err != nil {
		t.Fatal(err)
	}
	broker.mu.Lock()
	delete(broker.subs, first)
	broker.mu.Unlock()

	restarted, _ := NewMQTTChannel(broker.clientWithID("laserlink-01"), 1)
	if err := restarted.ClaimMaster("run-2"); err != nil {
		t.Errorf("ClaimMaster(run-2) error = %v, want nil for a stale claim", err)
	}
}

func TestMQTTChannel_RejectsGarbage(t *testing.T) {
	broker := newFakeBroker()
	ch, _ := NewMQTTChannel(broker.client(), 1)
	if _, err := ch.SubscribeUpdates(func(Update) { t.Error("handler called for garbage") }); err != nil {
		t.Fatal(err)
	}

	other := broker.client()
	other.broker.mu.Lock()
	var h mqtt.MessageHandler
	for c, topics := range other.broker.subs {
		if c != other {
			h = topics[mqtt.Topics{}.DiscoveryDevices()]
		}
	}
	other.broker.mu.Unlock()

	if err := h("t", []byte("not json")); err == nil {
		t.Error("handler error = nil, want decode error")
	}
}
