package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nodewire/nodewire/config"
	"github.com/nodewire/nodewire/log"
	"github.com/nodewire/nodewire/messages"
	"github.com/nodewire/nodewire/node"
	"github.com/nodewire/nodewire/preflight"
	"github.com/nodewire/nodewire/telemetry"
	"github.com/nodewire/nodewire/transport/tcp"
	"github.com/nodewire/nodewire/wire"
)

const (
	name    = "nodewire-sub"
	version = "0.1.0"
)

func main() {
	logger := log.NewLogger("info")

	cfg, err := config.New(logger, config.WithPrefix("NODEWIRE_"), config.WithFile(os.Getenv("NODEWIRE_CONFIG")))
	if err != nil {
		logger.Errorf("Cannot load config: %v", err)
		os.Exit(1)
	}

	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	topicName := fs.String("topic", "/test_topic", "Topic name to subscribe to")
	listen := fs.String("listen", "127.0.0.1:0", "Address this subscriber listens for hub SUB_NOTIFY pushes on")
	if err := cfg.BindFlags(fs); err != nil {
		logger.Errorf("Cannot bind flags: %v", err)
		os.Exit(1)
	}
	logger = log.NewLogger(cfg.Log.Level)

	hubEp, err := wire.ParseEndpoint(cfg.Node.HubEndpoint)
	if err != nil {
		logger.Errorf("Invalid node.hub_endpoint %q: %v", cfg.Node.HubEndpoint, err)
		os.Exit(1)
	}

	listenEp, err := wire.ParseEndpoint(*listen)
	if err != nil {
		logger.Errorf("Invalid --listen %q: %v", *listen, err)
		os.Exit(1)
	}

	checker := preflight.New(logger).Add(preflight.TCPCheck("hub", hubEp))
	n := node.New(cfg.Node.Name, hubEp, tcp.NewServerFactory(), tcp.NewClientFactory(), logger, telemetry.NoopMetrics{}, node.WithPreflight(checker))

	topic := wire.TopicInfo{ID: node.NewID(), Name: *topicName, MessageHash: messages.HeaderMessageHash()}
	subscriber := n.CreateSubscriber(topic, listenEp, func(payload []byte) {
		var cur uint32
		h, err := messages.DeserializeHeader(payload, uint32(len(payload)), &cur)
		if err != nil {
			logger.Errorf("Cannot decode message on %q: %v", *topicName, err)
			return
		}
		logger.Infof("received seq=%d frame_id=%q stamp={%d.%d} on %q", h.Seq, h.FrameID, h.Stamp.Sec, h.Stamp.Nsec, *topicName)
	})
	if !subscriber.OK() {
		logger.Errorf("Subscriber registration failed for topic %q", *topicName)
		os.Exit(1)
	}
	logger.Infof("%s(%s) subscribed to %q via node %q", name, version, *topicName, cfg.Node.Name)

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig
		close(stop)
	}()

	for {
		select {
		case <-stop:
			logger.Infof("Shutting down %s(%s)...", name, version)
			n.Shutdown()
			return
		default:
		}
		n.SpinOnce()
		time.Sleep(5 * time.Millisecond)
	}
}
