// swarmd runs a standalone peer-swarm node: it binds the ROUTER transport,
// dials any seed peers given on the command line, and blocks until
// interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/codegangsta/cli"
	"github.com/sirupsen/logrus"

	"github.com/drep-project/swarmcore/swarm"
)

var (
	ListenHostFlag = cli.StringFlag{
		Name:  "host",
		Usage: "Local host to bind the inbound transport to",
	}
	ListenPortFlag = cli.IntFlag{
		Name:  "port",
		Usage: "Local port to bind the inbound transport to (0 = ephemeral)",
		Value: 0,
	}
	DialTimeoutFlag = cli.IntFlag{
		Name:  "dialtimeout",
		Usage: "Dial handshake timeout, in seconds",
		Value: 15,
	}
	ProtocolVersionFlag = cli.IntFlag{
		Name:  "protocolversion",
		Usage: "Local application protocol version advertised during handshake",
		Value: 1,
	}
	DistributeIntervalFlag = cli.IntFlag{
		Name:  "distributems",
		Usage: "Peer-set delta distribution period, in milliseconds",
		Value: 1500,
	}
	SeedsFlag = cli.StringFlag{
		Name:  "seeds",
		Usage: "Comma-separated host:port list of peers to dial on start",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "swarmd"
	app.Usage = "peer-swarm networking core for a blockchain node"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		ListenHostFlag,
		ListenPortFlag,
		DialTimeoutFlag,
		ProtocolVersionFlag,
		DistributeIntervalFlag,
		SeedsFlag,
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("swarmd: fatal error")
	}
}

func run(ctx *cli.Context) error {
	log := logrus.NewEntry(logrus.StandardLogger())

	identity, err := newDevIdentity()
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}

	cfg := swarm.Config{
		Identity:           identity,
		ProtocolVersion:    int32(ctx.Int(ProtocolVersionFlag.Name)),
		DialTimeout:        time.Duration(ctx.Int(DialTimeoutFlag.Name)) * time.Second,
		LocalHost:          ctx.String(ListenHostFlag.Name),
		LocalPort:          uint16(ctx.Int(ListenPortFlag.Name)),
		DistributeInterval: time.Duration(ctx.Int(DistributeIntervalFlag.Name)) * time.Millisecond,
		Chain:              newNullChain(),
		Codec:              newNullCodec(),
		NewEmptyChain: func(genesisID [32]byte) (swarm.Chain, error) {
			return newNullChain(), nil
		},
		Log: log,
	}

	s, err := swarm.NewSwarm(cfg)
	if err != nil {
		return fmt.Errorf("construct swarm: %w", err)
	}

	var seedPeers []swarm.Peer
	if seeds := ctx.String(SeedsFlag.Name); seeds != "" {
		seedPeers, err = parseSeeds(seeds, identity)
		if err != nil {
			return err
		}
	}

	cancel := make(chan struct{})
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		log.Info("swarmd: interrupt received, shutting down")
		close(cancel)
	}()

	// AddPeers dials, and registry.add only dials while the swarm is
	// running (spec.md §4.2) — so seeds must be added after Start has
	// bound the transport, not before it.
	if len(seedPeers) > 0 {
		go func() {
			select {
			case <-s.Ready():
				s.AddPeers(seedPeers, time.Now())
			case <-cancel:
			}
		}()
	}

	return s.Start(cancel)
}

// parseSeeds turns "host:port,host:port" into dial targets. Since swarmd
// has no peer-discovery directory of its own, each seed's public key is
// unknown, so every seed Peer is built with a nil public key (and the
// address derived from it). The dial handshake checks only the protocol
// version in the Pong; it does not learn or compare the seed's real key.
func parseSeeds(raw string, deriver swarm.AddressDeriver) ([]swarm.Peer, error) {
	var peers []swarm.Peer
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		hostPort := strings.Split(part, ":")
		if len(hostPort) != 2 {
			return nil, fmt.Errorf("malformed seed %q, want host:port", part)
		}
		port, err := strconv.Atoi(hostPort[1])
		if err != nil {
			return nil, fmt.Errorf("malformed seed port %q: %w", part, err)
		}
		peers = append(peers, swarm.NewPeer(nil, hostPort[0], uint16(port), deriver))
	}
	return peers, nil
}
