package exchange

import (
	"encoding/json"
	"os"
	"time"

	"relaymesh/internal/metrics"
	"relaymesh/internal/proto"
)

type Report struct {
	ID             proto.NodeID       `json:"id"`
	Metrics        metrics.Snapshot   `json:"metrics"`
	Connections    []ConnectionReport `json:"connections"`
	KnownAddresses int                `json:"known_addresses"`
	Uploads        int                `json:"uploads"`
	Diffusion      int                `json:"diffusion"`
	DialFailures   int                `json:"dial_failures"`
}

type ConnectionReport struct {
	Session        string          `json:"session"`
	Direction      string          `json:"direction"`
	State          string          `json:"state"`
	Peer           proto.NodeID    `json:"peer"`
	Address        proto.Address   `json:"address"`
	Location       []proto.Address `json:"location,omitempty"`
	Version        uint64          `json:"version"`
	Worker         int             `json:"worker"`
	Priority       int             `json:"priority"`
	Age            time.Duration   `json:"age"`
	SentBytes      uint64          `json:"sent_bytes"`
	ReceivedBytes  uint64          `json:"received_bytes"`
	QueuedLinks    int             `json:"queued_links"`
	QueuedRequests int             `json:"queued_requests"`
	QueuedResults  int             `json:"queued_results"`
}

func (e *Engine) Report() Report {
	return Report{
		ID:             e.id,
		Metrics:        e.metrics.Snapshot(),
		Connections:    e.ConnectionReports(),
		KnownAddresses: e.book.Len(),
		Uploads:        e.uploads.len(),
		Diffusion:      e.diffusion.len(),
		DialFailures:   e.dialFailures(),
	}
}

func (e *Engine) ConnectionReports() []ConnectionReport {
	now := e.clk.Now()
	sessions := e.pool.list()
	out := make([]ConnectionReport, 0, len(sessions))
	for _, s := range sessions {
		links, requests, results := s.send.queued()
		out = append(out, ConnectionReport{
			Session:        s.id.String(),
			Direction:      s.dir.String(),
			State:          s.State().String(),
			Peer:           s.remoteID,
			Address:        s.addr,
			Location:       s.location,
			Version:        s.version,
			Worker:         s.worker,
			Priority:       s.priority.Value(),
			Age:            now.Sub(s.createdAt),
			SentBytes:      s.pump.sentBytes.Load(),
			ReceivedBytes:  s.pump.receivedBytes.Load(),
			QueuedLinks:    links,
			QueuedRequests: requests,
			QueuedResults:  results,
		})
	}
	return out
}

// dialFailures counts recent dial attempts that did not yield a transport.
func (e *Engine) dialFailures() int {
	n := 0
	for _, addr := range e.attempted.Keys() {
		if err, ok := e.attempted.Get(addr); ok && err != nil {
			n++
		}
	}
	return n
}

// WriteReport stores r as indented JSON for the status command.
func WriteReport(path string, r Report) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func ReadReport(path string) (Report, error) {
	var r Report
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	err = json.Unmarshal(data, &r)
	return r, err
}
