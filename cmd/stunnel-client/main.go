// Command stunnel-client runs the SOCKS5-facing half of the tunnel: it
// accepts local SOCKS5 connections, opens a logical port over one of its
// carriers to the server for each, and pumps bytes between the two once the
// server confirms the destination connected.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/cppla/stunnel/internal/config"
	"github.com/cppla/stunnel/internal/cryptor"
	"github.com/cppla/stunnel/internal/logging"
	"github.com/cppla/stunnel/internal/metrics"
	"github.com/cppla/stunnel/internal/socks5"
	"github.com/cppla/stunnel/internal/tunnel"
	"github.com/cppla/stunnel/internal/ucp"
)

func main() {
	cfg, err := config.ParseClientFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logging.Init(logging.Options{Level: cfg.LogLevel, Path: cfg.LogPath})
	defer log.Sync()

	mtr := metrics.New()
	if cfg.MetricsListen != "" {
		go serveMetrics(cfg.MetricsListen, mtr, log)
	}

	crypt, err := cryptor.New([]byte(cfg.Key))
	if err != nil {
		log.Fatal("invalid key", zap.Error(err))
	}

	ctx := context.Background()
	muxes := make([]*tunnel.Mux, 0, cfg.TunnelCount)
	for i := 0; i < cfg.TunnelCount; i++ {
		m, err := dialTunnel(ctx, cfg, crypt, log, mtr)
		if err != nil {
			log.Fatal("failed to establish carrier", zap.Int("index", i), zap.Error(err))
		}
		muxes = append(muxes, m)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatal("socks5 listen failed", zap.Error(err))
	}
	log.Info("stunnel-client listening", zap.String("addr", cfg.ListenAddr), zap.Int("tunnels", len(muxes)))

	var rr uint64
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Error("accept failed", zap.Error(err))
			continue
		}
		idx := atomic.AddUint64(&rr, 1) % uint64(len(muxes))
		go handleSOCKS5(conn, muxes[idx], log)
	}
}

// dialTunnel establishes one carrier (UCP or TCP, per cfg.EnableUCP) to the
// server and wraps it in a client-side Mux.
func dialTunnel(ctx context.Context, cfg *config.ClientConfig, crypt *cryptor.Cryptor, log *zap.Logger, mtr *metrics.Registry) (*tunnel.Mux, error) {
	if cfg.EnableUCP {
		client, err := ucp.Dial(cfg.ServerAddr, log)
		if err != nil {
			return nil, err
		}
		client.Stream().SetMetrics(mtr)
		carrier := tunnel.NewUCPCarrier(client.Stream(), crypt, log)
		carrier.SetBrokenHook(func() { mtr.StreamsBrokenTotal.Inc() })
		client.Connect()
		go client.Run(ctx)
		mtr.StreamsEstablishedTotal.Inc()
		return tunnel.NewClientMux(carrier, log), nil
	}

	conn, err := net.Dial("tcp", cfg.ServerAddr)
	if err != nil {
		return nil, err
	}
	carrier := tunnel.NewTCPCarrier(conn, crypt, log)
	mtr.StreamsEstablishedTotal.Inc()
	return tunnel.NewClientMux(carrier, log), nil
}

func handleSOCKS5(conn net.Conn, mux *tunnel.Mux, log *zap.Logger) {
	defer conn.Close()

	cid := xid.New().String()
	log = log.With(zap.String("conn", cid))

	dest, err := socks5.Handshake(conn)
	if err != nil {
		log.Debug("socks5 handshake failed", zap.Error(err))
		return
	}
	log = log.With(zap.Stringer("dest", dest))

	w, r := mux.OpenPort()
	if dest.IsDomain() {
		w.ConnectDomainName(dest.Domain, dest.Port)
	} else {
		w.Connect(fmt.Sprintf("%s:%d", dest.Addr, dest.Port))
	}

	switch msg := r.Read().(type) {
	case tunnel.ConnectOkMsg:
		log.Debug("destination connected", zap.String("bound", msg.Addr))
		socks5.ReplySuccess(conn, msg.Addr)
	case tunnel.ConnectFailedMsg:
		log.Debug("destination unreachable")
		socks5.ReplyError(conn, socks5.ReplyConnRefused)
		w.Drop()
		return
	default:
		socks5.ReplyError(conn, socks5.ReplyGeneralFailure)
		w.Drop()
		return
	}

	pump(conn, w, r, log)
}

// pump relays bytes in both directions until either side is done: a
// goroutine reads local conn into the tunnel, while this goroutine drains
// the tunnel's read side into conn.
func pump(conn net.Conn, w tunnel.WritePort, r tunnel.ReadPort, log *zap.Logger) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				w.Write(append([]byte(nil), buf[:n]...))
			}
			if err != nil {
				w.ShutdownWrite()
				return
			}
		}
	}()

	for {
		switch msg := r.Read().(type) {
		case tunnel.DataMsg:
			if _, err := conn.Write(msg.Data); err != nil {
				w.Close()
				<-done
				return
			}
		case tunnel.ShutdownWriteMsg:
			closeWrite(conn)
		case tunnel.ClosedMsg:
			<-done
			w.Drop()
			return
		}
	}
}

type writeCloser interface {
	CloseWrite() error
}

func closeWrite(conn net.Conn) {
	if wc, ok := conn.(writeCloser); ok {
		wc.CloseWrite()
	}
}

func serveMetrics(addr string, mtr *metrics.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", mtr.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", zap.Error(err))
	}
}
