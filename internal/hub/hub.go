package hub

import (
	"context"
	"encoding/json"
	"sync"

	"qms/visit-service/internal/metrics"
	"qms/visit-service/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultBuffer = 16

// Client is one subscriber to a department's queue. Send carries encoded
// QueueSnapshot payloads in revision order and is closed on Unsubscribe.
type Client struct {
	ID           string
	DepartmentID string
	Send         chan []byte

	lastRevision int64
	primed       bool
}

// Hub is the in-process queue event publisher. Delivery never blocks: when a
// client's buffer is full the snapshot is dropped for that client only.
type Hub struct {
	mu      sync.Mutex
	clients map[string]map[string]*Client
	buffer  int
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type Options struct {
	Buffer  int
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type SubscribeMessage struct {
	Action       string `json:"action"`
	DepartmentID string `json:"department_id"`
}

func New(options Options) *Hub {
	buffer := options.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		clients: make(map[string]map[string]*Client),
		buffer:  buffer,
		logger:  options.Logger,
		metrics: options.Metrics,
	}
}

func (h *Hub) Subscribe(departmentID string) *Client {
	client := &Client{
		ID:           uuid.NewString(),
		DepartmentID: departmentID,
		Send:         make(chan []byte, h.buffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[departmentID] == nil {
		h.clients[departmentID] = make(map[string]*Client)
	}
	h.clients[departmentID][client.ID] = client
	return client
}

func (h *Hub) Unsubscribe(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers, ok := h.clients[client.DepartmentID]
	if !ok {
		return
	}
	if _, ok := subscribers[client.ID]; !ok {
		return
	}
	delete(subscribers, client.ID)
	if len(subscribers) == 0 {
		delete(h.clients, client.DepartmentID)
	}
	close(client.Send)
}

func (h *Hub) SubscriberCount(departmentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[departmentID])
}

// PublishQueueUpdated delivers the snapshot to every subscriber of its
// department that has not already seen an equal or newer revision.
func (h *Hub) PublishQueueUpdated(ctx context.Context, snapshot models.QueueSnapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers := h.clients[snapshot.DepartmentID]
	if len(subscribers) == 0 {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	for _, client := range subscribers {
		h.deliver(client, snapshot.Revision, payload)
	}
	return nil
}

// Prime sends the initial snapshot to a freshly subscribed client. Updates
// already queued with a newer revision make it a no-op.
func (h *Hub) Prime(client *Client, snapshot models.QueueSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.DepartmentID][client.ID]; !ok {
		return nil
	}
	h.deliver(client, snapshot.Revision, payload)
	return nil
}

func (h *Hub) deliver(client *Client, revision int64, payload []byte) {
	if client.primed && revision <= client.lastRevision {
		return
	}
	select {
	case client.Send <- payload:
		client.lastRevision = revision
		client.primed = true
	default:
		h.metrics.IncFanoutDropped()
		h.logger.Warn().
			Str("client_id", client.ID).
			Str("department_id", client.DepartmentID).
			Int64("revision", revision).
			Msg("drop queue snapshot for slow subscriber")
	}
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
