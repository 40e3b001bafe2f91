package simulator

import (
	"testing"
)

// TestOrderedNetworkFIFO verifies that messages sent to a
// single destination arrive in send order even when their
// individual delays would reorder them.
func TestOrderedNetworkFIFO(t *testing.T) {
	for i := 0; i < 100; i++ {
		loop := NewEventLoop()

		sender := NewNode().Port(loop)
		receiver := NewNode().Port(loop)
		network := NewOrderedNetwork(1.0, 0.5)

		loop.Go(func(h *Handle) {
			for j := 0; j < 10; j++ {
				network.Send(h, &Message{
					Source:  sender,
					Dest:    receiver,
					Message: j,
					// Vary sizes so later messages would
					// otherwise finish sooner.
					Size: float64(10 - j),
				})
			}
		})

		loop.Go(func(h *Handle) {
			for j := 0; j < 10; j++ {
				msg := receiver.Recv(h)
				if msg.Message != j {
					t.Fatalf("message %d arrived out of order: got %v", j, msg.Message)
				}
			}
		})

		if err := loop.Run(); err != nil {
			t.Fatal(err)
		}
	}
}

// TestOrderedNetworkSetDown verifies that downing a node
// drops in-flight messages in both directions and that
// traffic resumes once the node is back up.
func TestOrderedNetworkSetDown(t *testing.T) {
	loop := NewEventLoop()

	alive := NewNode()
	flaky := NewNode()
	alivePort := alive.Port(loop)
	flakyPort := flaky.Port(loop)
	network := NewOrderedNetwork(1e6, 0)

	loop.Go(func(h *Handle) {
		network.Send(h, &Message{
			Source:  alivePort,
			Dest:    flakyPort,
			Message: "lost",
			Size:    1.0,
		})
		network.SetDown(h, flaky, true)
		if !network.Down(flaky) {
			t.Error("node should be down")
		}
		h.Sleep(1.0)

		// Sends while the node is down are dropped.
		network.Send(h, &Message{
			Source:  alivePort,
			Dest:    flakyPort,
			Message: "also lost",
			Size:    1.0,
		})

		network.SetDown(h, flaky, false)
		network.Send(h, &Message{
			Source:  alivePort,
			Dest:    flakyPort,
			Message: "delivered",
			Size:    1.0,
		})
	})

	var received []interface{}
	loop.Go(func(h *Handle) {
		received = append(received, flakyPort.Recv(h).Message)
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	if len(received) != 1 || received[0] != "delivered" {
		t.Errorf("unexpected deliveries: %v", received)
	}
}
