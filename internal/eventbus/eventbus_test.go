package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublish_DeliversToAllSubscribersInOrder(t *testing.T) {
	b := New()
	var order []int

	b.Subscribe("order.filled", func(payload any) { order = append(order, 1) })
	b.Subscribe("order.filled", func(payload any) { order = append(order, 2) })

	b.Publish("order.filled", "payload")
	assert.Equal(t, []int{1, 2}, order)
}

func TestPublish_NoSubscribersIsNoop(t *testing.T) {
	b := New()
	assert.NotPanics(t, func() { b.Publish("nothing.subscribed", nil) })
}

func TestPublish_PanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New()
	ran := false

	b.Subscribe("order.filled", func(payload any) { panic("boom") })
	b.Subscribe("order.filled", func(payload any) { ran = true })

	assert.NotPanics(t, func() { b.Publish("order.filled", nil) })
	assert.True(t, ran)
}

func TestPublish_PassesPayloadThrough(t *testing.T) {
	b := New()
	var got any
	b.Subscribe("order.filled", func(payload any) { got = payload })

	b.Publish("order.filled", map[string]string{"symbol": "BTC/USDT"})
	assert.Equal(t, "BTC/USDT", got.(map[string]string)["symbol"])
}
