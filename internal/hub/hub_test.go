package hub

import (
	"context"
	"encoding/json"
	"testing"

	"qms/visit-service/internal/metrics"
	"qms/visit-service/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func snapshot(dept string, revision int64) models.QueueSnapshot {
	return models.QueueSnapshot{DepartmentID: dept, Revision: revision, Serving: []string{}}
}

func decode(t *testing.T, payload []byte) models.QueueSnapshot {
	t.Helper()
	var out models.QueueSnapshot
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return out
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() == name && len(family.GetMetric()) > 0 {
			return family.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	h := New(Options{Logger: zerolog.Nop()})
	if err := h.PublishQueueUpdated(context.Background(), snapshot("GM", 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestPublishRoutesByDepartment(t *testing.T) {
	h := New(Options{Logger: zerolog.Nop()})
	gm := h.Subscribe("GM")
	ent := h.Subscribe("ENT")

	if err := h.PublishQueueUpdated(context.Background(), snapshot("GM", 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case payload := <-gm.Send:
		if got := decode(t, payload); got.DepartmentID != "GM" || got.Revision != 1 {
			t.Fatalf("unexpected snapshot: %+v", got)
		}
	default:
		t.Fatalf("expected GM subscriber to receive snapshot")
	}
	if len(ent.Send) != 0 {
		t.Fatalf("ENT subscriber must not receive GM snapshot")
	}
}

func TestPublishSkipsStaleRevisions(t *testing.T) {
	h := New(Options{Logger: zerolog.Nop()})
	client := h.Subscribe("GM")
	ctx := context.Background()

	_ = h.PublishQueueUpdated(ctx, snapshot("GM", 5))
	_ = h.PublishQueueUpdated(ctx, snapshot("GM", 4))
	_ = h.PublishQueueUpdated(ctx, snapshot("GM", 5))
	_ = h.PublishQueueUpdated(ctx, snapshot("GM", 6))

	var revisions []int64
	for len(client.Send) > 0 {
		revisions = append(revisions, decode(t, <-client.Send).Revision)
	}
	if len(revisions) != 2 || revisions[0] != 5 || revisions[1] != 6 {
		t.Fatalf("expected revisions [5 6], got %v", revisions)
	}
}

func TestPrimeDoesNotRewindSubscriber(t *testing.T) {
	h := New(Options{Logger: zerolog.Nop()})
	client := h.Subscribe("GM")
	_ = h.PublishQueueUpdated(context.Background(), snapshot("GM", 3))

	if err := h.Prime(client, snapshot("GM", 2)); err != nil {
		t.Fatalf("prime: %v", err)
	}
	if len(client.Send) != 1 {
		t.Fatalf("older initial snapshot must be skipped, queued=%d", len(client.Send))
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := New(Options{Buffer: 1, Logger: zerolog.Nop(), Metrics: m})
	slow := h.Subscribe("GM")
	fast := h.Subscribe("GM")
	ctx := context.Background()

	_ = h.PublishQueueUpdated(ctx, snapshot("GM", 1))
	<-fast.Send
	_ = h.PublishQueueUpdated(ctx, snapshot("GM", 2))

	if got := decode(t, <-fast.Send); got.Revision != 2 {
		t.Fatalf("fast subscriber expected revision 2, got %d", got.Revision)
	}
	if got := decode(t, <-slow.Send); got.Revision != 1 {
		t.Fatalf("slow subscriber expected revision 1, got %d", got.Revision)
	}
	if dropped := counterValue(t, reg, "queue_fanout_dropped_total"); dropped != 1 {
		t.Fatalf("expected one dropped snapshot, got %v", dropped)
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	h := New(Options{Logger: zerolog.Nop()})
	client := h.Subscribe("GM")
	h.Unsubscribe(client)
	h.Unsubscribe(client)

	if _, ok := <-client.Send; ok {
		t.Fatalf("expected closed channel")
	}
	if h.SubscriberCount("GM") != 0 {
		t.Fatalf("expected no subscribers")
	}
	if err := h.Prime(client, snapshot("GM", 1)); err != nil {
		t.Fatalf("prime after unsubscribe: %v", err)
	}
}

func TestParseSubscribe(t *testing.T) {
	msg, ok := ParseSubscribe([]byte(`{"action":"subscribe","department_id":"GM"}`))
	if !ok || msg.DepartmentID != "GM" {
		t.Fatalf("unexpected parse result: %+v ok=%v", msg, ok)
	}
	if _, ok := ParseSubscribe([]byte(`{"action":"dance"}`)); ok {
		t.Fatalf("unknown action must be rejected")
	}
	if _, ok := ParseSubscribe([]byte(`nope`)); ok {
		t.Fatalf("invalid json must be rejected")
	}
}
