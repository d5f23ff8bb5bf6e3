// Package metrics exposes a Prometheus Collector over the live peer
// table: per-peer RTT, and per-channel window size, loss, and
// throughput, gathered directly from the peer/channel state rather
// than through a separate bookkeeping path.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/udpmux/reliudp/source/peer"
)

type info struct {
	description *prometheus.Desc
	supplier    func(p *peer.Peer, ch int, labelValues []string) prometheus.Metric
}

// Collector gathers metrics from every peer registered with it. It
// satisfies prometheus.Collector and is meant to be registered once
// with a prometheus.Registry.
type Collector struct {
	mu    sync.Mutex
	peers map[peer.ID]*peer.Peer
	infos []info
}

// NewCollector builds a Collector with the fixed set of gauges this
// transport exposes: avg_rtt per peer, and window_size/loss/throughput
// per channel.
func NewCollector(namespace string) *Collector {
	c := &Collector{peers: make(map[peer.ID]*peer.Peer)}

	c.infos = []info{
		{
			description: prometheus.NewDesc(namespace+"_peer_avg_rtt_seconds", "Smoothed round-trip time estimate.", []string{"peer_id"}, nil),
			supplier: func(p *peer.Peer, _ int, labels []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(prometheus.NewDesc(namespace+"_peer_avg_rtt_seconds", "", []string{"peer_id"}, nil), prometheus.GaugeValue, p.AvgRTT().Seconds(), labels...)
			},
		},
		{
			description: prometheus.NewDesc(namespace+"_channel_window_size", "Current congestion window size.", []string{"peer_id", "channel"}, nil),
			supplier: func(p *peer.Peer, ch int, labels []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(prometheus.NewDesc(namespace+"_channel_window_size", "", []string{"peer_id", "channel"}, nil), prometheus.GaugeValue, float64(p.Channels[ch].WindowSize()), labels...)
			},
		},
		{
			description: prometheus.NewDesc(namespace+"_channel_max_bytes_per_minute", "High-water throughput estimate.", []string{"peer_id", "channel"}, nil),
			supplier: func(p *peer.Peer, ch int, labels []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(prometheus.NewDesc(namespace+"_channel_max_bytes_per_minute", "", []string{"peer_id", "channel"}, nil), prometheus.GaugeValue, float64(p.Channels[ch].MaxBytesPerMinute()), labels...)
			},
		},
		{
			description: prometheus.NewDesc(namespace+"_channel_loss_since_sample", "Retransmit count accumulated toward the current 5-second congestion sample.", []string{"peer_id", "channel"}, nil),
			supplier: func(p *peer.Peer, ch int, labels []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(prometheus.NewDesc(namespace+"_channel_loss_since_sample", "", []string{"peer_id", "channel"}, nil), prometheus.GaugeValue, float64(p.Channels[ch].LossSinceSample()), labels...)
			},
		},
	}
	return c
}

// Add registers p so its metrics are included in the next Collect.
func (c *Collector) Add(p *peer.Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[p.ID] = p
}

// Remove stops exposing metrics for the given peer id.
func (c *Collector) Remove(id peer.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, id)
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, i := range c.infos {
		descs <- i.description
	}
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.peers {
		peerLabel := []string{idLabel(p.ID)}
		metrics <- c.infos[0].supplier(p, 0, peerLabel)

		for ch := range p.Channels {
			labels := []string{idLabel(p.ID), channelLabel(ch)}
			metrics <- c.infos[1].supplier(p, ch, labels)
			metrics <- c.infos[2].supplier(p, ch, labels)
			metrics <- c.infos[3].supplier(p, ch, labels)
		}
	}
}

func idLabel(id peer.ID) string {
	return strconv.Itoa(int(id))
}

func channelLabel(ch int) string {
	return strconv.Itoa(ch)
}
