package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/channel"
	"github.com/nmxmxh/ovlnet/kernel/core/overlay/dht"
	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identifier"
	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identity"
	"github.com/nmxmxh/ovlnet/kernel/core/overlay/routing"
	"github.com/nmxmxh/ovlnet/kernel/utils"
)

const echoServiceID = 1

func main() {
	port := flag.Int("port", 6881, "UDP port to listen on")
	identityPath := flag.String("identity", "ovlnet_identity.pem", "path to the node's persistent identity")
	bootstrap := flag.String("bootstrap", "", "comma-separated list of <hex-id>@<multiaddr> bootstrap peers")
	flag.Parse()

	log := utils.DefaultLogger("ovlnetd")
	log.Info("ovlnetd starting", utils.Int("port", *port))

	self, err := loadOrCreateIdentity(*identityPath, log)
	if err != nil {
		log.Fatal("failed to load identity", utils.Err(err))
	}
	log.Info("node identity", utils.String("id", self.ID().ToHex()))

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: *port})
	if err != nil {
		log.Fatal("failed to bind udp socket", utils.Err(err))
	}

	reg := prometheus.NewRegistry()
	dhtMetrics := dht.NewMetrics(reg)
	chMetrics := channel.NewMetrics(reg)

	engine := dht.New(self.ID(), conn, dht.DefaultConfig(), dhtMetrics, log)
	manager := channel.NewManager(self, conn, channel.DefaultConfig(), chMetrics, log)
	engine.SetChannelDispatcher(manager)
	manager.RegisterService(echoServiceID, &echoHandler{log: log})

	shutdown := utils.NewGracefulShutdown(5*time.Second, log)
	shutdown.Register(func() error {
		engine.Close()
		return nil
	})
	shutdown.Register(func() error {
		return conn.Close()
	})

	for _, node := range parseBootstrapList(*bootstrap, log) {
		peerNode := node
		go bootstrapFrom(engine, self.ID(), peerNode, log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdown.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown did not complete cleanly", utils.Err(err))
		os.Exit(1)
	}
}

func loadOrCreateIdentity(path string, log *utils.Logger) (*identity.Identity, error) {
	if id, err := identity.Load(path); err == nil {
		return id, nil
	}
	id, err := identity.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := id.Save(path); err != nil {
		log.Warn("failed to persist new identity", utils.Err(err), utils.String("path", path))
	}
	return id, nil
}

// parseBootstrapList parses a comma-separated "<hex-id>@<multiaddr>" list,
// skipping and logging any entry that fails to parse rather than aborting
// startup over one bad address.
func parseBootstrapList(raw string, log *utils.Logger) []routing.Node {
	if raw == "" {
		return nil
	}
	var nodes []routing.Node
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		at := strings.IndexByte(entry, '@')
		if at < 0 {
			log.Warn("ignoring malformed bootstrap peer", utils.String("entry", entry))
			continue
		}
		id, ok := identifier.FromHex(entry[:at])
		if !ok {
			log.Warn("ignoring bootstrap peer with invalid id", utils.String("entry", entry))
			continue
		}
		peer, err := routing.ParsePeerMultiaddr(entry[at+1:])
		if err != nil {
			log.Warn("ignoring bootstrap peer with invalid address",
				utils.String("entry", entry), utils.Err(err))
			continue
		}
		nodes = append(nodes, routing.Node{ID: id, Peer: peer})
	}
	return nodes
}

// bootstrapFrom pings a seed peer (registering it in the routing table on
// success) and then performs a self-lookup to populate nearby buckets,
// mirroring the standard Kademlia join sequence.
func bootstrapFrom(engine *dht.Engine, self identifier.ID, peer routing.Node, log *utils.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := engine.Ping(ctx, peer.ID, peer.Peer)
	if err != nil || !ok {
		log.Warn("bootstrap peer unreachable", utils.String("id", peer.ID.ToHex()), utils.Err(err))
		return
	}

	lookupCtx, lookupCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer lookupCancel()
	if _, _, err := engine.FindNode(lookupCtx, self); err != nil {
		log.Warn("self lookup during bootstrap failed", utils.Err(err))
	}
}

// echoHandler is the default channel service: it accepts any stream and
// echoes back whatever it reads, useful as a connectivity smoke test
// against a freshly started node.
type echoHandler struct {
	log *utils.Logger
}

func (h *echoHandler) NewSocket(serviceID uint16) (channel.Socket, bool) {
	return channel.NewStream(channel.DefaultConfig()), true
}

func (h *echoHandler) AllowConnection(serviceID uint16, peer routing.Node) bool {
	h.log.Info("incoming channel", utils.String("peer", peer.ID.ToHex()), utils.Int("service", int(serviceID)))
	return true
}

func (h *echoHandler) ConnectionStarted(socket channel.Socket) {
	stream, ok := socket.(*channel.Stream)
	if !ok {
		return
	}
	go h.echoLoop(stream)
}

func (h *echoHandler) ConnectionFailed(socket channel.Socket) {
	h.log.Warn("channel failed", utils.String("peer", socket.PeerID().ToHex()))
}

func (h *echoHandler) echoLoop(s *channel.Stream) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-s.Closed():
			return
		case <-s.Readable():
			n, _ := s.Read(buf)
			if n > 0 {
				_, _ = s.Write(buf[:n])
			}
		}
	}
}
