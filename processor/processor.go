// Package processor owns the base's single event loop: it constructs every
// other component, wires the two-phase Router/dataset.Store dependency, and
// drains the shared sender.Message queue those components all write into.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spider-net/spider/dataset"
	"github.com/spider-net/spider/identity"
	"github.com/spider-net/spider/link"
	"github.com/spider-net/spider/listener"
	"github.com/spider-net/spider/peripherals"
	"github.com/spider-net/spider/router"
	"github.com/spider-net/spider/sender"
	"github.com/spider-net/spider/state"
	"github.com/spider-net/spider/ui"
)

// upkeepInterval drives Router.Upkeep: pending outbound connection retries,
// late-code expiry, and chord peer-address snapshots.
const upkeepInterval = 15 * time.Second

// Config bundles the paths and listen addresses cmd/spider resolves from
// flags/config file before handing off to New.
type Config struct {
	ListenAddr      string
	BeaconAddr      string
	StatePath       string
	DatasetRoot     string
	PeripheralsRoot string
	KeyfilePath     string
	DefaultName     string
	RateLimitPerSec int
	RateLimitBurst  int
}

// Processor is the fully-wired base: every component plus the queue they
// all send sender.Message into.
type Processor struct {
	log   *logrus.Entry
	cfg   Config
	sd    *state.StateData
	snd   *sender.Sender
	queue chan sender.Message

	ui   *ui.Processor
	ds   *dataset.Store
	rtr  *router.Router
	peri *peripherals.Manager
	bn   *link.BroadcastName
	exit chan struct{}
}

// New constructs every component in dependency order. Router is built
// before the dataset store since dataset.Store needs the router as its
// LinkSender; Router.SetDataset completes the cycle once both exist.
func New(cfg Config, log *logrus.Entry) (*Processor, error) {
	sd, err := state.Load(cfg.StatePath, cfg.DefaultName, log)
	if err != nil {
		return nil, fmt.Errorf("processor: load state: %w", err)
	}

	self, err := sd.SelfRelation()
	if err != nil {
		return nil, fmt.Errorf("processor: self relation: %w", err)
	}

	queue := sender.NewQueue()
	snd := sender.New(queue)

	uiProc := ui.NewProcessor(self.Id, nil, nil, log)
	rtr := router.New(sd, snd, uiProc, log)
	uiProc.SetLinks(rtr)

	ds := dataset.New(cfg.DatasetRoot, uiProc, rtr, log)
	uiProc.SetDataset(ds)
	rtr.SetDataset(ds)

	peri := peripherals.New(cfg.PeripheralsRoot, sd, uiProc, rtr, self.Id, log)

	p := &Processor{
		log:   log.WithField("component", "processor"),
		cfg:   cfg,
		sd:    sd,
		snd:   snd,
		queue: queue,
		ui:    uiProc,
		ds:    ds,
		rtr:   rtr,
		peri:  peri,
		exit:  make(chan struct{}),
	}
	return p, nil
}

// Run starts the listener, beacon, upkeep ticker, and the dispatch loop,
// blocking until ctx is cancelled or an Exit command is dispatched.
func (p *Processor) Run(ctx context.Context) error {
	self := p.sd.Self()
	bn, err := listener.Start(ctx, p.cfg.ListenAddr, self, p.snd, p.cfg.RateLimitPerSec, p.cfg.RateLimitBurst, p.log)
	if err != nil {
		return fmt.Errorf("processor: start listener: %w", err)
	}
	p.bn = bn
	bn.Set(p.sd.Name())

	if p.cfg.BeaconAddr != "" {
		if err := listener.StartBeacon(ctx, p.cfg.BeaconAddr, listenPort(p.cfg.ListenAddr), p.cfg.RateLimitPerSec, p.cfg.RateLimitBurst, p.log); err != nil {
			p.log.WithError(err).Warn("processor: beacon failed to start")
		}
	}

	if p.cfg.KeyfilePath != "" {
		if err := writeOwnKeyfile(p.cfg.KeyfilePath, self); err != nil {
			p.log.WithError(err).Warn("processor: failed to write keyfile")
		}
	}

	p.rtr.RestoreChords(ctx)
	p.registerSettings()
	p.peri.StartEnabled()

	go p.runUpkeepTicker(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.exit:
			return nil
		case msg := <-p.queue:
			p.dispatch(ctx, msg)
		}
	}
}

func (p *Processor) runUpkeepTicker(ctx context.Context) {
	t := time.NewTicker(upkeepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !p.snd.Upkeep() {
				p.log.Warn("processor: queue full, skipped upkeep tick")
			}
		}
	}
}

// dispatch is the sole switch over sender.Message.
func (p *Processor) dispatch(ctx context.Context, msg sender.Message) {
	switch {
	case msg.RemoteMessage != nil:
		p.rtr.HandleRemoteMessage(msg.RemoteMessage.From, msg.RemoteMessage.Msg)
	case msg.NewIncomingLink != nil:
		p.rtr.HandleIncomingLink(msg.NewIncomingLink.Link)
	case msg.LinkEstablished != nil:
		p.log.WithField("remote", msg.LinkEstablished.Link.Remote).Debug("processor: link established")
	case msg.LinkClosed != nil:
		p.ds.DropSubscriber(msg.LinkClosed.Relation)
		p.log.WithField("remote", msg.LinkClosed.Relation).Debug("processor: link closed")
	case msg.AddrUpdate != nil:
		p.rtr.RecordAddrUpdate(msg.AddrUpdate.Id, msg.AddrUpdate.Addr)
	case msg.PeerAddrs != nil:
		p.rtr.RecordPeerAddrs(msg.PeerAddrs.ChordName, msg.PeerAddrs.Addrs)
	case msg.Command != nil:
		p.dispatchCommand(ctx, *msg.Command)
	case msg.Upkeep != nil:
		p.rtr.Upkeep(ctx)
		if err := p.sd.Save(); err != nil {
			p.log.WithError(err).Warn("processor: state save failed on upkeep")
		}
	}
}

func (p *Processor) dispatchCommand(ctx context.Context, cmd sender.Command) {
	switch {
	case cmd.ShowOwnKey != nil:
		if id, err := p.sd.Self().NodeId(); err == nil {
			p.log.WithField("node_id", id).Info("processor: own key requested")
		}
	case cmd.Exit != nil:
		close(p.exit)
	case cmd.InstallPeripheral != nil, cmd.StartPeripheral != nil, cmd.StopPeripheral != nil, cmd.RemovePeripheral != nil:
		p.peri.DispatchCommand(ctx, cmd)
	default:
		p.rtr.DispatchCommand(ctx, cmd)
		if cmd.RenameSelf != nil && p.bn != nil {
			p.bn.Set(cmd.RenameSelf.Name)
		}
	}
}

func listenPort(addr string) int {
	var port int
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			fmt.Sscanf(addr[i+1:], "%d", &port)
			break
		}
	}
	return port
}

type keyfileOut struct {
	NodeId identity.NodeId `json:"node_id"`
}

func writeOwnKeyfile(path string, self identity.SelfRelation) error {
	id, err := self.NodeId()
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(keyfileOut{NodeId: id}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
