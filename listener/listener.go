// Package listener accepts inbound TCP connections, rate-limits them per
// source address, runs the UDP LAN-probe beacon, and forwards completed
// links to the router via the Processor queue.
package listener

import (
	"context"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/spider-net/spider/identity"
	"github.com/spider-net/spider/link"
	"github.com/spider-net/spider/ratelimiter"
	"github.com/spider-net/spider/sender"
)

// Listener is the component that bridges link.Listen's accepted links and
// the UDP beacon into the Processor's message queue.
type Listener struct {
	log    *logrus.Entry
	sender *sender.Sender
	rate   ratelimiter.Ratelimiter
	bn     *link.BroadcastName
}

// Start binds addr and begins accepting, forwarding every successfully
// handshaken link as a NewIncomingLink message. It returns the
// BroadcastName handle so the router can opt the listener into answering
// KEY_REQUEST probes once it has a base name to advertise.
func Start(ctx context.Context, addr string, self identity.SelfRelation, snd *sender.Sender, rps, burst int, log *logrus.Entry) (*link.BroadcastName, error) {
	incoming, bn, err := link.Listen(ctx, addr, self, log.WithField("component", "listener"))
	if err != nil {
		return nil, err
	}

	l := &Listener{log: log.WithField("component", "listener"), sender: snd, bn: bn}
	l.rate.Init(rps, burst)

	go func() {
		defer l.rate.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case lk, ok := <-incoming:
				if !ok {
					return
				}
				if addrPort, ok := remoteAddrPort(lk); ok && !l.rate.Allow(addrPort) {
					l.log.WithField("addr", addrPort).WithField("tracked", l.rate.Tracked()).
						Warn("listener: dropping link, source over rate limit")
					lk.Terminate()
					continue
				}
				l.sender.NewIncomingLink(lk)
			}
		}
	}()

	return bn, nil
}

func remoteAddrPort(lk *link.Link) (netip.Addr, bool) {
	ap, err := netip.ParseAddrPort(lk.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr(), true
}
