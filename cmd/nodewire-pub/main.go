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
	"github.com/nodewire/nodewire/timer"
	"github.com/nodewire/nodewire/transport/tcp"
	"github.com/nodewire/nodewire/wire"
)

const (
	name    = "nodewire-pub"
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
	topicName := fs.String("topic", "/test_topic", "Topic name to publish on")
	listen := fs.String("listen", "127.0.0.1:0", "Address this publisher listens for subscriber connections on")
	interval := fs.Duration("interval", time.Second, "Publish interval")
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
	publisher := n.CreatePublisher(topic, listenEp)
	if !publisher.OK() {
		logger.Errorf("Publisher registration failed for topic %q", *topicName)
		os.Exit(1)
	}
	logger.Infof("%s(%s) publishing %q via node %q", name, version, *topicName, cfg.Node.Name)

	var seq uint32
	n.CreateTimer(*interval, func(timer.Event) {
		seq++
		publisher.Publish(messages.Header{
			Seq:     seq,
			FrameID: cfg.Node.Name,
			Stamp:   messages.Stamp{Sec: uint32(time.Now().Unix()), Nsec: 0},
		})
		logger.Debugf("published seq=%d to %q (%d subscribers)", seq, *topicName, publisher.SubscriberCount())
	})

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
