// schc-exporter runs a SCHC reassembly gateway: frames arrive as UDP
// datagrams (FPort byte first, the LoRaWAN split form), replies go back to
// the datagram's source, and the dispatcher's state is served as
// Prometheus metrics over HTTP.
package main

import (
	"flag"
	"net"
	"net/http"
	"os"

	charmlog "github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/open-source-firmware/go-schc/pkg/schc/config"
	"github.com/open-source-firmware/go-schc/pkg/schc/metrics"
	"github.com/open-source-firmware/go-schc/pkg/schc/profile"
	"github.com/open-source-firmware/go-schc/pkg/schc/schclog"
	"github.com/open-source-firmware/go-schc/pkg/schc/session"
)

var (
	listenHTTP = flag.String("listen", ":9464", "HTTP listen address for /metrics")
	listenUDP  = flag.String("udp", ":8891", "UDP listen address for inbound SCHC frames")
	configPath = flag.String("config", "", "Path to YAML configuration")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		charmlog.Fatal("configuration", "err", err)
	}
	logger := charmlog.New(os.Stderr)

	dispatcher := session.NewDispatcher(
		session.WithMTU(cfg.MTUBytes),
		session.WithAckAlwaysTileBits(cfg.AckAlwaysTileBits),
		session.WithDispatcherLogger(schclog.New(logger)),
		session.WithDeliver(func(k session.Key, payload []byte) {
			logger.Info("packet reassembled", "rule", k.RuleID, "dtag", k.DTag, "bytes", len(payload))
		}),
	)

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(metrics.NewCollector(dispatcher))

	go serveUDP(logger, dispatcher)

	http.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		mfs, err := reg.Gather()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		for _, mf := range mfs {
			if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
				return
			}
		}
	})

	logger.Info("serving", "metrics", *listenHTTP, "frames", *listenUDP)
	if err := http.ListenAndServe(*listenHTTP, nil); err != nil {
		charmlog.Fatal("http server", "err", err)
	}
}

func serveUDP(logger *charmlog.Logger, dispatcher *session.Dispatcher) {
	addr, err := net.ResolveUDPAddr("udp", *listenUDP)
	if err != nil {
		charmlog.Fatal("resolve udp address", "err", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		charmlog.Fatal("listen udp", "err", err)
	}
	defer conn.Close()

	buf := make([]byte, 2048)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			logger.Warn("udp read", "err", err)
			continue
		}
		if n == 0 {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])

		out, err := dispatcher.Handle(frame[0], frame[1:])
		if err != nil {
			logger.Warn("frame rejected", "from", src, "err", err)
			continue
		}
		for out != nil {
			if _, err := conn.WriteToUDP(out, src); err != nil {
				logger.Warn("udp write", "to", src, "err", err)
				break
			}
			out, err = dispatcher.Flush(profile.RuleID(frame[0]), 0)
			if err != nil {
				break
			}
		}
	}
}
