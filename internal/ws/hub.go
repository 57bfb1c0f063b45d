package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/djamkenny/hairbookery-sub000/internal/realtime"
)

const writeWait = 10 * time.Second

// Peer is one authenticated websocket connection. Writes are serialized
// because gorilla connections support a single concurrent writer.
type Peer struct {
	UserID string
	conn   *websocket.Conn
	wmu    sync.Mutex
}

func NewPeer(userID string, conn *websocket.Conn) *Peer {
	return &Peer{UserID: userID, conn: conn}
}

func (p *Peer) WriteFrame(f realtime.Frame) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(f)
}

func (p *Peer) writePing() error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Hub tracks which peers joined which channel and delivers broker frames to
// them.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]map[*Peer]struct{}
}

func NewHub() *Hub {
	return &Hub{
		peers: make(map[string]map[*Peer]struct{}),
	}
}

// Join adds a peer to a channel.
func (h *Hub) Join(channel string, p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.peers[channel] == nil {
		h.peers[channel] = make(map[*Peer]struct{})
	}
	h.peers[channel][p] = struct{}{}
}

// Leave removes a peer from a channel.
func (h *Hub) Leave(channel string, p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(channel, p)
}

// LeaveAll removes a peer from every channel it joined.
func (h *Hub) LeaveAll(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel := range h.peers {
		h.leaveLocked(channel, p)
	}
}

func (h *Hub) leaveLocked(channel string, p *Peer) {
	if peers, ok := h.peers[channel]; ok {
		delete(peers, p)
		if len(peers) == 0 {
			delete(h.peers, channel)
		}
	}
}

// Count returns the number of peers joined to channel.
func (h *Hub) Count(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers[channel])
}

// Dispatch writes f to every peer joined to its channel. It is the broker
// handler. Peers that fail to write are closed; their read loop cleans up.
func (h *Hub) Dispatch(f realtime.Frame) {
	h.mu.RLock()
	targets := make([]*Peer, 0, len(h.peers[f.Channel]))
	for p := range h.peers[f.Channel] {
		targets = append(targets, p)
	}
	h.mu.RUnlock()

	for _, p := range targets {
		if err := p.WriteFrame(f); err != nil {
			p.conn.Close()
		}
	}
}
