// mediaplane-loopback connects two in-process peers over 127.0.0.1 and
// echoes messages over a data channel between them, optionally followed by
// an RTP packet and an RTCP report.
//
// The peers exchange session descriptions directly, so the run exercises
// ICE, DTLS, SCTP and SRTP end to end without a signaling server.
//
// Usage:
//
//	mediaplane-loopback [-config loopback.yaml]
//
// Every setting can also be given through the environment; run with -h to
// list the variables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/backkem/mediaplane/pkg/datachannel"
	"github.com/backkem/mediaplane/pkg/ice"
	"github.com/backkem/mediaplane/pkg/peer"
	"github.com/backkem/mediaplane/pkg/sessiondesc"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	fs := flag.CommandLine
	configPath := fs.String("config", "", "YAML config file; environment variables override it")
	fs.Usage = cleanenv.FUsage(fs.Output(), &Config{}, nil, fs.Usage)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("loopback failed")
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg *Config, logger *logrus.Logger) error {
	factory := loggerFactory{logger: logger}
	registry := prometheus.NewRegistry()

	offerer, err := newPeer(cfg, factory)
	if err != nil {
		return err
	}
	defer offerer.Close()
	answerer, err := newPeer(cfg, factory)
	if err != nil {
		return err
	}
	defer answerer.Close()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Warn("metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	answerer.OnDataChannel(func(dc *datachannel.DataChannel) {
		logger.Infof("answerer accepted channel %q on stream %d", dc.Label, dc.StreamIdentifier())
		go echo(dc, logger)
	})

	offer, err := describe(ctx, offerer)
	if err != nil {
		return fmt.Errorf("offer: %w", err)
	}
	answer, err := describe(ctx, answerer)
	if err != nil {
		return fmt.Errorf("answer: %w", err)
	}
	logger.Debugf("offer:\n%s", offer)
	logger.Debugf("answer:\n%s", answer)

	forAnswerer, err := sessiondesc.Parse(offer)
	if err != nil {
		return err
	}
	forOfferer, err := sessiondesc.Parse(answer)
	if err != nil {
		return err
	}

	started := time.Now()
	errs := make(chan error, 1)
	go func() { errs <- answerer.Start(ctx, forAnswerer) }()
	if err := offerer.Start(ctx, forOfferer); err != nil {
		return fmt.Errorf("offerer start: %w", err)
	}
	if err := <-errs; err != nil {
		return fmt.Errorf("answerer start: %w", err)
	}
	if pair := offerer.SelectedCandidatePair(); pair != nil {
		logger.Infof("connected in %s over %s", time.Since(started).Round(time.Millisecond), pair)
	}

	for name, conn := range map[string]*peer.Connection{"offerer": offerer, "answerer": answerer} {
		reg := prometheus.WrapRegistererWith(prometheus.Labels{"peer": name}, registry)
		for _, c := range conn.Collectors() {
			if err := reg.Register(c); err != nil {
				logger.WithError(err).Warnf("%s: registering collector", name)
			}
		}
	}

	dc, err := offerer.CreateDataChannel(cfg.Label, nil)
	if err != nil {
		return err
	}
	if err := pingPong(ctx, dc, cfg.Messages, logger); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"messages_sent":     dc.MessagesSent(),
		"messages_received": dc.MessagesReceived(),
		"bytes_sent":        dc.BytesSent(),
		"bytes_received":    dc.BytesReceived(),
	}).Info("data channel echo complete")

	if cfg.Media {
		if err := exchangeMedia(ctx, offerer, answerer, logger); err != nil {
			return err
		}
	}
	return nil
}

func newPeer(cfg *Config, factory logging.LoggerFactory) (*peer.Connection, error) {
	return peer.NewConnection(peer.Configuration{
		ICEPortMin:      cfg.ICEPortMin,
		ICEPortMax:      cfg.ICEPortMax,
		IncludeLoopback: true,
		IPFilter: func(ip net.IP) bool {
			return ip.IsLoopback() && ip.To4() != nil
		},
		NetworkTypes:     []ice.NetworkType{ice.NetworkTypeUDP4},
		MulticastDNSMode: ice.MulticastDNSModeDisabled,
		LoggerFactory:    factory,
	})
}

// describe gathers every candidate and returns the session description.
func describe(ctx context.Context, c *peer.Connection) ([]byte, error) {
	if err := c.GatherCandidates(); err != nil {
		return nil, err
	}
	select {
	case <-c.GatheringComplete():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	params, err := c.LocalParameters()
	if err != nil {
		return nil, err
	}
	return sessiondesc.Marshal(params)
}

func echo(dc *datachannel.DataChannel, logger logrus.FieldLogger) {
	buf := make([]byte, 64*1024)
	for {
		n, isString, err := dc.ReadDataChannel(buf)
		if err != nil {
			logger.Debugf("echo on %q stopped: %v", dc.Label, err)
			return
		}
		if _, err := dc.WriteDataChannel(buf[:n], isString); err != nil {
			logger.WithError(err).Warn("echo write failed")
			return
		}
	}
}

func pingPong(ctx context.Context, dc *datachannel.DataChannel, count int, logger logrus.FieldLogger) error {
	deadline, ok := ctx.Deadline()
	if ok {
		if err := dc.SetReadDeadline(deadline); err != nil {
			return err
		}
	}
	buf := make([]byte, 1500)
	for i := 0; i < count; i++ {
		msg := fmt.Sprintf("message %d", i)
		sent := time.Now()
		if err := dc.SendText(msg); err != nil {
			return fmt.Errorf("send %q: %w", msg, err)
		}
		n, _, err := dc.ReadDataChannel(buf)
		if err != nil {
			return fmt.Errorf("read echo of %q: %w", msg, err)
		}
		if got := string(buf[:n]); got != msg {
			return fmt.Errorf("echo = %q, want %q", got, msg)
		}
		logger.Infof("echoed %q in %s", msg, time.Since(sent).Round(time.Microsecond))
	}
	return nil
}

// exchangeMedia sends one RTP packet from a to b and answers it with a
// receiver report.
func exchangeMedia(ctx context.Context, a, b *peer.Connection, logger logrus.FieldLogger) error {
	const ssrc = 0x5EED
	header := &rtp.Header{
		Version:        2,
		PayloadType:    111,
		SequenceNumber: 1,
		Timestamp:      960,
		SSRC:           ssrc,
	}
	if _, err := a.WriteRTP(header, []byte("opus frame")); err != nil {
		return fmt.Errorf("write RTP: %w", err)
	}

	type result struct {
		header *rtp.Header
		err    error
	}
	got := make(chan result, 1)
	go func() {
		_, h, err := b.ReadRTP(make([]byte, 1500))
		got <- result{h, err}
	}()
	var r result
	select {
	case r = <-got:
	case <-ctx.Done():
		return fmt.Errorf("read RTP: %w", ctx.Err())
	}
	if r.err != nil {
		return fmt.Errorf("read RTP: %w", r.err)
	}
	logger.Infof("received RTP ssrc=%#x seq=%d", r.header.SSRC, r.header.SequenceNumber)

	report := &rtcp.ReceiverReport{
		SSRC: 0xB0B,
		Reports: []rtcp.ReceptionReport{{
			SSRC:               r.header.SSRC,
			LastSequenceNumber: uint32(r.header.SequenceNumber),
		}},
	}
	if _, err := b.WriteRTCP([]rtcp.Packet{report}); err != nil {
		return fmt.Errorf("write RTCP: %w", err)
	}
	reports := make(chan []rtcp.Packet, 1)
	readErr := make(chan error, 1)
	go func() {
		_, pkts, err := a.ReadRTCP(make([]byte, 1500))
		if err != nil {
			readErr <- err
			return
		}
		reports <- pkts
	}()
	select {
	case pkts := <-reports:
		for _, p := range pkts {
			logger.Infof("received RTCP %T for ssrcs %v", p, p.DestinationSSRC())
		}
	case err := <-readErr:
		return fmt.Errorf("read RTCP: %w", err)
	case <-ctx.Done():
		return fmt.Errorf("read RTCP: %w", ctx.Err())
	}
	return nil
}
