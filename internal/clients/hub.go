// Package clients tracks connected pages and pushes lifecycle notifications to
// them. The set is transient: it lives only as long as the process and the
// page connections.
package clients

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// TypeUpdated 是页面端监听的更新消息类型。
	TypeUpdated = "SW_UPDATED"
	// TypeUpdate 是兼容旧页面的消息类型。
	TypeUpdate = "update"
)

// defaultBuffer 决定单个客户端可以积压的消息数，满了之后新消息会被丢弃。
const defaultBuffer = 8

// Message 是推送给页面的唯一消息形态：{"type": "...", "version": "..."}。
type Message struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// Info 是客户端的只读快照。
type Info struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Client 表示一个已连接的页面。
type Client struct {
	info Info
	ch   chan Message
}

// ID 返回客户端标识。
func (c *Client) ID() string {
	return c.info.ID
}

// Info 返回客户端快照。
func (c *Client) Info() Info {
	return c.info
}

// Messages 返回该客户端的消息通道，Disconnect 后通道关闭。
func (c *Client) Messages() <-chan Message {
	return c.ch
}

// Hub 维护当前连接的客户端集合，并发安全。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
	buffer  int
	now     func() time.Time
}

// NewHub 构造空的客户端集合。
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		buffer:  defaultBuffer,
		now:     time.Now,
	}
}

// Connect 注册一个新客户端，url 为页面地址（可为空）。
func (h *Hub) Connect(url string) *Client {
	client := &Client{
		info: Info{
			ID:          uuid.NewString(),
			URL:         url,
			ConnectedAt: h.now().UTC(),
		},
		ch: make(chan Message, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		// 关闭后连接的页面立即收到已关闭的通道。
		close(client.ch)
		return client
	}
	h.clients[client.info.ID] = client
	return client
}

// Disconnect 移除客户端并关闭其消息通道，重复调用无副作用。
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	client, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(client.ch)
	}
	h.mu.Unlock()
}

// Close 断开全部客户端并关闭其消息通道，之后的 Connect 立即返回已关闭的客户端。
// 用于进程退出时结束仍在进行的事件流。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.ch)
	}
}

// Clients 返回按连接时间排序的客户端快照，每次调用都重新枚举。
func (h *Hub) Clients() []Info {
	h.mu.RLock()
	result := make([]Info, 0, len(h.clients))
	for _, client := range h.clients {
		result = append(result, client.info)
	}
	h.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].ConnectedAt.Equal(result[j].ConnectedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].ConnectedAt.Before(result[j].ConnectedAt)
	})
	return result
}

// Len 返回当前连接数。
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast 向每个客户端投递一条消息，返回成功投递的数量。
// 投递不阻塞：客户端积压已满时跳过该客户端。
func (h *Hub) Broadcast(msg Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, client := range h.clients {
		select {
		case client.ch <- msg:
			delivered++
		default:
		}
	}
	return delivered
}
