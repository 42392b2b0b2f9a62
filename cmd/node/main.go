// cmd/node is the main entrypoint for a cache node.
//
// Configuration is entirely via flags so a single binary can
// serve any role in the cluster.
//
// Example — single node:
//
//	./node --id node1 --api :9000 --req :9001 --pub :9002
//
// Example — second node joining the first:
//
//	./node --id node2 --api :9010 --req :9011 --pub :9012 --join localhost:9001
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dcache/internal/ring"
	"dcache/internal/server"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func main() {
	nodeID := flag.String("id", "", "Unique node identifier (empty = generate a random UUID)")
	apiAddr := flag.String("api", ":9000", "API socket listen address (host:port)")
	reqAddr := flag.String("req", ":9001", "Peer request socket listen address (host:port)")
	pubAddr := flag.String("pub", ":9002", "Publish socket listen address (host:port)")
	join := flag.String("join", "", "Peer request address of an existing node to connect() to at startup")

	v := flag.Int("v", ring.DefaultV, "Virtual points per node per redundancy ring")
	r := flag.Int("r", ring.DefaultR, "Number of redundancy rings")
	maxSize := flag.Int("max-size", 0, "Cache byte budget (0 = default 1 MiB)")
	timeout := flag.Duration("peer-timeout", 0, "Peer eviction timeout (0 = default)")
	pubInterval := flag.Duration("pub-interval", 0, "Membership publish interval (0 = default)")
	ioTimeout := flag.Duration("io-timeout", 5*time.Second, "Peer request round-trip timeout")

	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()
	if *nodeID == "" {
		*nodeID = uuid.NewString()
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(lvl)
	}

	cfg := server.Config{
		NodeID:        *nodeID,
		APIAddr:       *apiAddr,
		ReqAddr:       *reqAddr,
		PubAddr:       *pubAddr,
		BootstrapPeer: *join,
		V:             *v,
		R:             *r,
		MaxSize:       *maxSize,
		Timeout:       *timeout,
		PubInterval:   *pubInterval,
		IOTimeout:     *ioTimeout,
		Log:           log,
	}

	s, err := server.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	go s.Run()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.WithField("node_id", *nodeID).Info("shutting down")
	s.Stop()
}
