package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(h *Hub, id string) *Client {
	return &Client{
		id:    id,
		hub:   h,
		send:  make(chan []byte, 2),
		rooms: make(map[string]struct{}),
	}
}

func TestHubJoinEnforcesRoomCapacity(t *testing.T) {
	h := NewHub(2, zap.NewNop())
	a := newTestClient(h, "a")
	b := newTestClient(h, "b")
	c := newTestClient(h, "c")

	assert.True(t, h.Join(a, "book:0xabc"))
	assert.True(t, h.Join(b, "book:0xabc"))
	assert.False(t, h.Join(c, "book:0xabc"), "a full room rejects new members")
	assert.Equal(t, 2, h.RoomSize("book:0xabc"))

	assert.True(t, h.Join(a, "book:0xabc"), "rejoining is idempotent")

	h.Leave(a, "book:0xabc")
	assert.True(t, h.Join(c, "book:0xabc"), "capacity frees up on leave")
}

func TestHubPublishSkipsSlowClients(t *testing.T) {
	h := NewHub(10, zap.NewNop())
	fast := newTestClient(h, "fast")
	slow := newTestClient(h, "slow")
	require.True(t, h.Join(fast, "book:0xabc"))
	require.True(t, h.Join(slow, "book:0xabc"))

	// Fill the slow client's buffer.
	slow.send <- []byte("x")
	slow.send <- []byte("y")

	delivered := h.Publish("book:0xabc", []byte(`{"type":"order_book_update"}`))
	assert.Equal(t, 1, delivered, "full buffers are skipped, not waited on")
	assert.Len(t, fast.send, 1)
}

func TestHubRemoveDropsAllMemberships(t *testing.T) {
	h := NewHub(10, zap.NewNop())
	c := newTestClient(h, "c")
	require.True(t, h.Join(c, "book:0xabc"))
	require.True(t, h.Join(c, "orders:0xuser"))

	h.remove(c)
	assert.Zero(t, h.RoomSize("book:0xabc"))
	assert.Zero(t, h.RoomSize("orders:0xuser"))
	assert.Empty(t, c.rooms)
}

func TestHubPublishToUnknownRoom(t *testing.T) {
	h := NewHub(10, zap.NewNop())
	assert.Zero(t, h.Publish("book:0xmissing", []byte("{}")))
}
