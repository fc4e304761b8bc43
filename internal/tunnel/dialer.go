package tunnel

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// dialTimeout bounds any single candidate connection attempt the server
// makes on the tunnel's behalf when fulfilling an OpenAddress or
// OpenDomainName request.
const dialTimeout = 3 * time.Second

// DialDestination connects to an AcceptedPort's requested destination,
// racing every resolved address in parallel for a domain name and keeping
// whichever completes first, so one slow or dead A/AAAA record behind a
// hostname can't stall the whole OpenDomainName round trip.
func DialDestination(ctx context.Context, ap *AcceptedPort) (net.Conn, error) {
	if ap.Domain != "" {
		return dialFastest(ctx, ap.Domain, ap.Port)
	}
	return dialDirect(ctx, ap.Address)
}

func dialDirect(ctx context.Context, addr string) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return (&net.Dialer{}).DialContext(dctx, "tcp", addr)
}

func dialFastest(ctx context.Context, host string, port uint16) (net.Conn, error) {
	portStr := fmt.Sprintf("%d", port)

	if ip, err := netip.ParseAddr(host); err == nil {
		return dialDirect(ctx, net.JoinHostPort(ip.String(), portStr))
	}

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIP(dctx, "ip", host)
	if err != nil || len(ips) == 0 {
		return dialDirect(ctx, net.JoinHostPort(host, portStr))
	}
	if len(ips) == 1 {
		return dialDirect(ctx, net.JoinHostPort(ips[0].String(), portStr))
	}

	resCh := make(chan result, len(ips))
	for _, ip := range ips {
		go func(ip net.IP) {
			c, err := (&net.Dialer{}).DialContext(dctx, "tcp", net.JoinHostPort(ip.String(), portStr))
			resCh <- result{conn: c, err: err}
		}(ip)
	}

	var firstErr error
	for seen := 1; seen <= len(ips); seen++ {
		select {
		case r := <-resCh:
			if r.err == nil {
				go drainRemaining(resCh, len(ips)-seen)
				return r.conn, nil
			}
			if firstErr == nil {
				firstErr = r.err
			}
		case <-dctx.Done():
			return nil, dctx.Err()
		}
	}
	return nil, firstErr
}

// drainRemaining closes any connections that win the race after the first,
// so their dialer goroutines don't leak sockets.
func drainRemaining(resCh chan result, n int) {
	for i := 0; i < n; i++ {
		r := <-resCh
		if r.err == nil {
			r.conn.Close()
		}
	}
}

type result struct {
	conn net.Conn
	err  error
}
