package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHub_PublishInOrder(t *testing.T) {
	var h Hub[int]
	var got []string

	h.Subscribe(func(v int) { got = append(got, "a") })
	h.Subscribe(func(v int) { got = append(got, "b") })
	h.Publish(1)

	assert.Equal(t, []string{"a", "b"}, got)
}

func TestHub_DisposeStopsDelivery(t *testing.T) {
	var h Hub[string]
	count := 0
	d := h.Subscribe(func(string) { count++ })

	h.Publish("x")
	d.Dispose()
	d.Dispose()
	h.Publish("y")

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, h.Len())
}

func TestHub_HandlerMayDisposeItself(t *testing.T) {
	var h Hub[int]
	count := 0
	var d Disposable
	d = h.Subscribe(func(int) {
		count++
		d.Dispose()
	})

	h.Publish(1)
	h.Publish(2)
	assert.Equal(t, 1, count)
}

func TestGroup_DisposesAll(t *testing.T) {
	var h Hub[int]
	var g Group
	count := 0
	g.Add(h.Subscribe(func(int) { count++ }))
	g.Add(h.Subscribe(func(int) { count++ }))

	g.Dispose()
	h.Publish(1)
	assert.Equal(t, 0, count)
}
