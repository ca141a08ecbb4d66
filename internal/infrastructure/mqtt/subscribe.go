package mqtt

import (
	"context"
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rkek9501/MqttClient/internal/session"
)

// subackFailure is the SUBACK return code for a rejected filter.
const subackFailure = 0x80

// SubscribeBatch subscribes to all subs in a single SUBSCRIBE packet.
//
// Messages on any of the filters go to the handler set with OnMessage.
// The broker may grant a lower QoS than requested; a filter it refuses
// outright fails the whole batch.
//
// paho's SubscribeMultiple takes a map[string]byte, so the order of the
// filters inside the SUBSCRIBE packet is not preserved and a filter listed
// twice is sent once with the QoS of its last entry.
//
// Returns:
//   - error: ErrNotConnected, or a wrapped ErrSubscribeFailed / ErrTimeout
func (c *Client) SubscribeBatch(ctx context.Context, subs []session.Subscription) error {
	if len(subs) == 0 {
		return nil
	}

	pc, err := c.current()
	if err != nil {
		return err
	}

	token := pc.SubscribeMultiple(subscribeFilters(subs), func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.handleMessage(msg)
	})
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	if st, ok := token.(*pahomqtt.SubscribeToken); ok {
		if err := checkGranted(st.Result()); err != nil {
			return err
		}
	}
	return nil
}

// subscribeFilters builds the filter to QoS map SubscribeMultiple expects.
func subscribeFilters(subs []session.Subscription) map[string]byte {
	filters := make(map[string]byte, len(subs))
	for _, sub := range subs {
		filters[sub.Filter] = byte(sub.QoS)
	}
	return filters
}

// checkGranted returns an error naming the first filter the broker refused.
func checkGranted(granted map[string]byte) error {
	for filter, code := range granted {
		if code == subackFailure {
			return fmt.Errorf("%w: broker refused %q", ErrSubscribeFailed, filter)
		}
	}
	return nil
}
