// Package ipguard applies the admission policy the server checks once per
// accepted carrier connection: a static blacklist plus a request-rate cap
// per remote IP, counted over a fixed window that starts at the IP's first
// admission and restarts after it expires.
package ipguard

import (
	"net"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// Guard tracks per-IP admission state. Safe for concurrent use: go-cache
// does its own locking.
type Guard struct {
	blacklist map[string]bool
	rate      *cache.Cache
	limit     int
}

// New builds a Guard. limit is the maximum number of admissions a single IP
// gets within window before being refused; blacklist entries are always
// refused regardless of rate.
func New(blacklist map[string]bool, limit int, window time.Duration) *Guard {
	if limit <= 0 {
		limit = 200
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Guard{
		blacklist: blacklist,
		rate:      cache.New(window, window*2),
		limit:     limit,
	}
}

// Allow reports whether addr (as returned by net.Conn.RemoteAddr or a UCP
// packet's source net.Addr) may proceed, and records one admission against
// its rate budget if so.
func (g *Guard) Allow(addr net.Addr) bool {
	ip := hostOf(addr.String())
	if g.blacklist[ip] {
		return false
	}

	if count, found := g.rate.Get(ip); found {
		if count.(int) >= g.limit {
			return false
		}
		g.rate.Increment(ip, 1)
		return true
	}
	g.rate.Set(ip, 1, cache.DefaultExpiration)
	return true
}

func hostOf(addr string) string {
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
