package listener

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/spider-net/spider/ratelimiter"
)

// BeaconProbe is the literal ASCII datagram a peripheral broadcasts to find
// its paired base; BeaconReplyPrefix precedes the TCP port the base wants
// contacted on.
const (
	BeaconProbe       = "SPIDER_PROBE"
	BeaconReplyPrefix = "SPIDER_REPLY:"
)

// StartBeacon listens for BeaconProbe on udpAddr (default 0.0.0.0:1930) and
// replies to the sender with BeaconReplyPrefix + tcpPort, so the peripheral
// can combine the reply's source IP with that port into a connect target.
func StartBeacon(ctx context.Context, udpAddr string, tcpPort int, rps, burst int, log *logrus.Entry) error {
	addr, err := net.ResolveUDPAddr("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listener: resolve beacon addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listener: listen beacon: %w", err)
	}

	var rate ratelimiter.Ratelimiter
	rate.Init(rps, burst)

	go func() {
		defer conn.Close()
		defer rate.Close()
		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithError(err).Debug("listener: beacon read error")
				continue
			}
			if string(buf[:n]) != BeaconProbe {
				continue
			}
			addrPort, err := netip.ParseAddrPort(from.String())
			if err == nil && !rate.Allow(addrPort.Addr()) {
				continue
			}
			reply := []byte(fmt.Sprintf("%s%d", BeaconReplyPrefix, tcpPort))
			if _, err := conn.WriteToUDP(reply, from); err != nil {
				log.WithError(err).Debug("listener: beacon reply failed")
			}
		}
	}()

	return nil
}
