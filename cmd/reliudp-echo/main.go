// Command reliudp-echo is a minimal demo: run it with -serve to listen
// and echo every received message back to its sender, or with -connect
// to dial a running echo server and log the size of each message that
// comes back.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/udpmux/reliudp/pkg/logger"
	"github.com/udpmux/reliudp/source/config"
	"github.com/udpmux/reliudp/source/transport"
)

const version = "0.1.0"

func main() {
	logger.Banner("reliudp echo", version)

	serveAddr := flag.String("serve", "", "listen address, e.g. 0.0.0.0:7777")
	connectAddr := flag.String("connect", "", "server address to dial, e.g. 127.0.0.1:7777")
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	if (*serveAddr == "") == (*connectAddr == "") {
		logger.Fatal("exactly one of -serve or -connect must be given")
	}

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatal("loading config: %v", err)
		}
		cfg = *loaded
	}

	conn := transport.Construct(cfg.Protocol.ID, cfg)

	if *serveAddr != "" {
		if err := conn.Serve(*serveAddr); err != nil {
			logger.Fatal("serve: %v", err)
		}
		logger.Success("serving on %s", *serveAddr)
	} else {
		if err := conn.Connect(*connectAddr); err != nil {
			logger.Fatal("connect: %v", err)
		}
		logger.Success("connecting to %s", *connectAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go pumpEvents(conn, *serveAddr != "")

	<-sigCh
	logger.Info("shutting down")
	conn.Disconnect()
	time.Sleep(100 * time.Millisecond)
}

func pumpEvents(conn *transport.Connection, isServer bool) {
	for {
		ev, ok := conn.Receive(0)
		if !ok {
			return
		}
		switch ev.Type {
		case transport.EventPeerAdded:
			logger.Info("peer %d connected", ev.PeerID)
		case transport.EventPeerRemoved:
			logger.Warn("peer %d disconnected", ev.PeerID)
		case transport.EventBindFailed:
			logger.Fatal("bind failed: %v", ev.Err)
		case transport.EventDataReceived:
			logger.Info("peer %d channel %d: %d bytes", ev.PeerID, ev.Channel, len(ev.Data))
			if isServer {
				if err := conn.Send(ev.PeerID, ev.Channel, true, ev.Data); err != nil {
					logger.Warn("echoing back to peer %d: %v", ev.PeerID, err)
				}
			}
		}
	}
}
