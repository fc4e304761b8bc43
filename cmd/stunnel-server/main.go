// Command stunnel-server accepts carriers from stunnel-client, and for each
// logical port the peer opens, dials the requested destination and pumps
// bytes back and forth until either side closes.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/cppla/stunnel/internal/config"
	"github.com/cppla/stunnel/internal/cryptor"
	"github.com/cppla/stunnel/internal/ipguard"
	"github.com/cppla/stunnel/internal/logging"
	"github.com/cppla/stunnel/internal/metrics"
	"github.com/cppla/stunnel/internal/tunnel"
	"github.com/cppla/stunnel/internal/ucp"
)

func main() {
	confPath := flag.String("config", "config/setting.json", "path to server JSON config")
	flag.Parse()

	if err := config.LoadServer(*confPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg := config.GlobalCfg

	log := logging.Init(logging.Options{Level: cfg.Log.Level, Path: cfg.Log.Path})
	defer log.Sync()

	mtr := metrics.New()
	if cfg.MetricsListen != "" {
		go serveMetrics(cfg.MetricsListen, mtr, log)
	}

	crypt, err := cryptor.New([]byte(cfg.Key))
	if err != nil {
		log.Fatal("invalid key", zap.Error(err))
	}

	guard := ipguard.New(cfg.IPGuard.Blacklist, cfg.IPGuard.MaxConnectionsPerIP, 0)

	if cfg.EnableUCP {
		runUCP(cfg.Listen, crypt, guard, log, mtr)
	} else {
		runTCP(cfg.Listen, crypt, guard, log, mtr)
	}
}

func runTCP(listenAddr string, crypt *cryptor.Cryptor, guard *ipguard.Guard, log *zap.Logger, mtr *metrics.Registry) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.Fatal("listen failed", zap.Error(err))
	}
	log.Info("stunnel-server listening (tcp carrier)", zap.String("addr", listenAddr))

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Error("accept failed", zap.Error(err))
			continue
		}
		if !guard.Allow(conn.RemoteAddr()) {
			log.Info("rejected carrier by ip guard", zap.Stringer("from", conn.RemoteAddr()))
			conn.Close()
			continue
		}
		carrier := tunnel.NewTCPCarrier(conn, crypt, log)
		mtr.StreamsEstablishedTotal.Inc()
		mux := tunnel.NewServerMux(carrier, log)
		go serveMux(mux, log, mtr)
	}
}

func runUCP(listenAddr string, crypt *cryptor.Cryptor, guard *ipguard.Guard, log *zap.Logger, mtr *metrics.Registry) {
	ep, err := ucp.Listen(listenAddr, log)
	if err != nil {
		log.Fatal("listen failed", zap.Error(err))
	}
	log.Info("stunnel-server listening (ucp carrier)", zap.String("addr", listenAddr))

	ep.SetOnNewStream(func(s *ucp.Stream) {
		if !guard.Allow(s.RemoteAddr()) {
			log.Info("rejected carrier by ip guard", zap.Stringer("from", s.RemoteAddr()))
			return
		}
		s.SetMetrics(mtr)
		carrier := tunnel.NewUCPCarrier(s, crypt, log)
		carrier.SetBrokenHook(func() { mtr.StreamsBrokenTotal.Inc() })
		mtr.StreamsEstablishedTotal.Inc()
		mux := tunnel.NewServerMux(carrier, log)
		go serveMux(mux, log, mtr)
	})
	ep.Run(context.Background())
}

// serveMux accepts every port the peer opens on mux and dials its
// destination, replying ConnectOk/ConnectFailed before relaying data.
func serveMux(mux *tunnel.Mux, log *zap.Logger, mtr *metrics.Registry) {
	for {
		ap, ok := mux.Accept()
		if !ok {
			return
		}
		mtr.PortsOpenedTotal.Inc()
		mtr.PortsOpen.Inc()
		go handlePort(ap, log, mtr)
	}
}

func handlePort(ap *tunnel.AcceptedPort, log *zap.Logger, mtr *metrics.Registry) {
	defer mtr.PortsOpen.Dec()

	dest := ap.Address
	if ap.Domain != "" {
		dest = fmt.Sprintf("%s:%d", ap.Domain, ap.Port)
	}
	log = log.With(zap.String("port", xid.New().String()), zap.String("dest", dest))

	conn, err := tunnel.DialDestination(context.Background(), ap)
	if err != nil {
		log.Debug("dial failed", zap.Error(err))
		ap.Write.ReplyConnectFailed()
		ap.Write.Drop()
		return
	}
	defer conn.Close()

	log.Debug("destination connected", zap.String("bound", conn.LocalAddr().String()))
	ap.Write.ReplyConnectOk(conn.LocalAddr().String())
	pumpServerSide(conn, ap.Write, ap.Read, log)
}

type writeCloser interface {
	CloseWrite() error
}

func pumpServerSide(conn net.Conn, w tunnel.WritePort, r tunnel.ReadPort, log *zap.Logger) {
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
			if wc, ok := conn.(writeCloser); ok {
				wc.CloseWrite()
			}
		case tunnel.ClosedMsg:
			<-done
			w.Drop()
			return
		}
	}
}

func serveMetrics(addr string, mtr *metrics.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", mtr.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", zap.Error(err))
	}
}
