package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"relaymesh/internal/proto"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncConnected()
	m.IncConnected()
	m.IncAccepted()
	m.IncRejected()
	m.IncEvicted()
	m.SetConnections(3, 2)
	m.AddSentBytes(10)
	m.AddReceivedBytes(7)
	m.AddPushed(proto.MsgBlocksLink, 4)
	m.AddPulled(proto.MsgBlockResult, 1)
	m.AddPulled(proto.MsgType(99), 1)
	m.IncDropByReason("admission")
	m.IncDropByReason("admission")
	m.IncDropByReason("")

	snap := m.Snapshot()
	if snap.Connections.Connected != 2 || snap.Connections.Accepted != 1 {
		t.Fatalf("unexpected connect counts: %+v", snap.Connections)
	}
	if snap.Connections.Outbound != 3 || snap.Connections.Inbound != 2 {
		t.Fatalf("expected out/in 3/2, got %d/%d", snap.Connections.Outbound, snap.Connections.Inbound)
	}
	if snap.Traffic.SentBytes != 10 || snap.Traffic.ReceivedBytes != 7 {
		t.Fatalf("unexpected traffic: %+v", snap.Traffic)
	}
	if snap.Pushed["blocks_link"] != 4 || snap.Pulled["block_result"] != 1 {
		t.Fatalf("unexpected kind counters: pushed=%v pulled=%v", snap.Pushed, snap.Pulled)
	}
	if snap.DropByReason["admission"] != 2 || len(snap.DropByReason) != 1 {
		t.Fatalf("unexpected drops: %v", snap.DropByReason)
	}
}

func TestCollectorExposesCounters(t *testing.T) {
	m := New()
	m.AddSentBytes(5)
	m.SetConnections(1, 0)
	reg := NewRegistry(m)

	expected := `
# HELP relaymesh_exchange_bytes_total Bytes moved over established sessions.
# TYPE relaymesh_exchange_bytes_total counter
relaymesh_exchange_bytes_total{direction="received"} 0
relaymesh_exchange_bytes_total{direction="sent"} 5
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "relaymesh_exchange_bytes_total"); err != nil {
		t.Fatalf("gather: %v", err)
	}

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `relaymesh_exchange_connections{direction="outbound"} 1`) {
		t.Fatalf("metrics body missing connection gauge")
	}
}
