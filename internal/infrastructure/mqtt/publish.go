package mqtt

import (
	"context"
	"fmt"

	"github.com/rkek9501/MqttClient/internal/session"
)

// Publish sends a message to the broker and waits for it to be handed off.
//
// QoS Levels:
//   - 0: At most once (returns once written to the network)
//   - 1: At least once (returns after PUBACK)
//   - 2: Exactly once (returns after PUBCOMP)
//
// Topic, QoS and payload size are validated by the session before this is
// called.
//
// Returns:
//   - error: ErrNotConnected, or a wrapped ErrPublishFailed / ErrTimeout
func (c *Client) Publish(ctx context.Context, msg session.Message, qos session.QoS, retained bool) error {
	pc, err := c.current()
	if err != nil {
		return err
	}

	token := pc.Publish(msg.Topic, byte(qos), retained, msg.Payload)
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}
