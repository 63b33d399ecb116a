package provider

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentbridge/agentbridge/pkg/agentsdk"
)

func TestForwardMessageDeliversEveryMessage(t *testing.T) {
	// A tiny buffer forces the producer to block; a burst larger than the
	// real channel must still arrive complete and in order.
	msgs := make(chan *agentsdk.Message, 4)
	exited := make(chan struct{})
	done := make(chan struct{})

	const total = messageBuffer + 50
	go func() {
		for i := 0; i < total; i++ {
			forwardMessage(msgs, &agentsdk.Message{
				Type: agentsdk.MessageTypeAssistant,
				UUID: fmt.Sprintf("m%d", i),
			}, exited, done)
		}
		close(msgs)
	}()

	var got []string
	for msg := range msgs {
		got = append(got, msg.UUID)
	}

	assert.Len(t, got, total)
	assert.Equal(t, "m0", got[0])
	assert.Equal(t, fmt.Sprintf("m%d", total-1), got[len(got)-1])
}

func TestForwardMessageReleasedByTeardown(t *testing.T) {
	for name, trip := range map[string]int{"process exit": 0, "client stop": 1} {
		t.Run(name, func(t *testing.T) {
			msgs := make(chan *agentsdk.Message)
			teardown := [2]chan struct{}{make(chan struct{}), make(chan struct{})}

			released := make(chan struct{})
			go func() {
				forwardMessage(msgs, &agentsdk.Message{Type: agentsdk.MessageTypeResult},
					teardown[0], teardown[1])
				close(released)
			}()

			select {
			case <-released:
				t.Fatal("forward returned with no consumer and no teardown")
			case <-time.After(50 * time.Millisecond):
			}

			close(teardown[trip])
			select {
			case <-released:
			case <-time.After(time.Second):
				t.Fatal("forward still blocked after teardown")
			}
		})
	}
}
