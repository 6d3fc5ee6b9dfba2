package discovery

import (
	"context"
	"time"

	"github.com/nerrad567/laserlink-core/internal/device"
	"github.com/nerrad567/laserlink-core/internal/transport"
)

// probe commands understood by the gateway discover socket.
const (
	cmdPoke    = "poke"
	cmdTestTCP = "testtcp"
	cmdPokeTCP = "poketcp"
)

type probeRequest struct {
	Cmd    string `json:"cmd"`
	IPAddr string `json:"ipaddr"`
}

// startMaster subscribes to forwarded pokes and starts the timers.
// Caller holds c.mu.
func (c *Coordinator) startMaster() error {
	ctx := c.runCtx
	if c.opts.Channel != nil {
		unsub, err := c.opts.Channel.SubscribePokes(func(p PokeRequest) {
			if !validIP(p.IP) {
				c.logger.Warn("ignoring forwarded poke", "ip", p.IP)
				return
			}
			c.probe(ctx, p.IP, p.Options.TCP || c.opts.Config.TCPProbes)
		})
		if err != nil {
			return err
		}
		c.unsubs = append(c.unsubs, unsub)
	}

	c.wg.Add(1)
	go c.masterLoop(ctx)
	if c.opts.Resolver != nil {
		c.wg.Add(1)
		go c.resolveLoop(ctx)
	}
	return nil
}

// resolveLoop refreshes the mDNS names on its own schedule so a slow
// browse never delays pokes.
func (c *Coordinator) resolveLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.Config.ResolveInterval)
	defer ticker.Stop()

	for {
		ips, err := c.opts.Resolver.Lookup(ctx)
		if err != nil {
			c.logger.Debug("mdns lookup failed", "error", err)
		} else {
			c.mu.Lock()
			c.named = ips
			c.mu.Unlock()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) masterLoop(ctx context.Context) {
	defer c.wg.Done()

	cfg := c.opts.Config
	pokeTicker := time.NewTicker(cfg.PokeInterval)
	defer pokeTicker.Stop()
	relayTicker := time.NewTicker(cfg.RelayPoll)
	defer relayTicker.Stop()
	pruneTicker := time.NewTicker(cfg.PruneInterval)
	defer pruneTicker.Stop()
	pushTicker := time.NewTicker(cfg.PushInterval)
	defer pushTicker.Stop()

	c.ensureConn(ctx)
	c.pollRelay(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-pokeTicker.C:
			c.ensureConn(ctx)
			c.pokeNext(ctx)
		case <-relayTicker.C:
			c.pollRelay(ctx)
		case <-pruneTicker.C:
			if n := c.opts.Registry.Prune(); n > 0 {
				c.logger.Debug("pruned expired devices", "count", n)
				c.push.Trigger()
			}
		case <-pushTicker.C:
			c.pushNow()
		}
	}
}

// ensureConn dials the discover socket when it is not open yet.
func (c *Coordinator) ensureConn(ctx context.Context) {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	cfg := c.opts.Gateway
	cfg.Method = discoverMethod
	cfg.AutoReconnect = true

	conn, err := c.opts.Dial(ctx, cfg)
	if err != nil {
		c.mu.Lock()
		first := !c.dialFail
		c.dialFail = true
		c.mu.Unlock()
		if first {
			c.logger.Warn("discover socket unavailable", "error", err)
		}
		return
	}
	conn.SetOnEvent(c.handleEvent)

	c.mu.Lock()
	c.conn = conn
	c.dialFail = false
	c.mu.Unlock()
	c.logger.Info("discover socket open")
}

// handleEvent merges a liveness message from the gateway.
func (c *Coordinator) handleEvent(ev transport.Event) {
	if ev.Kind != transport.EventMessage || ev.Message.Fields == nil {
		return
	}
	var info device.Info
	if err := ev.Message.Decode(&info); err != nil || info.UUID == "" {
		return
	}
	if c.opts.Registry.UpdateBroadcast(info) {
		c.push.Trigger()
	}
}

// pokeNext probes the next target in round-robin order. The target list
// is rebuilt whenever the rotation wraps.
func (c *Coordinator) pokeNext(ctx context.Context) {
	c.mu.Lock()
	needRefresh := c.next == 0 || c.next >= len(c.targets)
	c.mu.Unlock()
	if needRefresh {
		targets := c.buildTargets(ctx)
		c.mu.Lock()
		c.targets = targets
		c.next = 0
		c.mu.Unlock()
	}

	c.mu.Lock()
	if len(c.targets) == 0 {
		c.mu.Unlock()
		return
	}
	ip := c.targets[c.next]
	c.next = (c.next + 1) % len(c.targets)
	c.mu.Unlock()

	c.probe(ctx, ip, c.opts.Config.TCPProbes)
}

func (c *Coordinator) buildTargets(ctx context.Context) []string {
	var poke, named, guessed []string

	if c.opts.PokeList != nil {
		ips, err := c.opts.PokeList.PokeIPs(ctx)
		if err != nil {
			c.logger.Warn("loading poke list", "error", err)
		}
		poke = ips
	}
	poke = append(poke, c.opts.Config.DefaultPokeIP)

	c.mu.Lock()
	named = c.named
	c.mu.Unlock()

	if c.opts.Config.SmartGuess {
		addrs, err := c.opts.InterfaceAddrs()
		if err != nil {
			c.logger.Debug("listing interface addresses", "error", err)
		}
		guessed = SmartGuess(addrs)
	}

	return mergeTargets(poke, named, guessed)
}

// probe sends the poke commands for one address.
func (c *Coordinator) probe(ctx context.Context, ip string, tcp bool) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return
	}

	cmds := []string{cmdPoke}
	if tcp {
		cmds = append(cmds, cmdTestTCP, cmdPokeTCP)
	}
	for _, cmd := range cmds {
		if err := conn.SendJSON(ctx, probeRequest{Cmd: cmd, IPAddr: ip}); err != nil {
			c.logger.Debug("sending probe", "cmd", cmd, "ip", ip, "error", err)
			return
		}
	}
}

func (c *Coordinator) pollRelay(ctx context.Context) {
	relay := c.opts.Relay
	if relay == nil || !relay.IsConnected() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, relayListTimeout)
	defer cancel()

	devices, err := relay.ListDevices(ctx)
	if err != nil {
		c.logger.Debug("listing relay devices", "error", err)
		return
	}
	if c.opts.Registry.MergeRelay(devices) {
		c.push.Trigger()
	}
}

// pushNow delivers the merged list to local listeners and Slaves.
func (c *Coordinator) pushNow() {
	devices := c.opts.Registry.Devices()
	c.notify(devices)

	c.mu.Lock()
	master := c.role == RoleMaster
	c.mu.Unlock()
	if !master {
		return
	}

	broadcast, relay := c.opts.Registry.Snapshot()
	if c.opts.Channel != nil {
		if err := c.opts.Channel.PublishUpdate(Update{DeviceMap: broadcast, RelayDevices: relay}); err != nil {
			c.logger.Debug("publishing device update", "error", err)
		}
	}
	if c.opts.Recorder != nil {
		c.opts.Recorder.WriteDiscoveryCount(len(broadcast), len(relay))
	}
}
