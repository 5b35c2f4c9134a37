package broker

import (
	"testing"
)

type recordingAck struct {
	acks []string
}

func (a *recordingAck) Ack(tag uint64, multiple bool) error {
	a.acks = append(a.acks, "ack")
	return nil
}

func (a *recordingAck) Nack(tag uint64, multiple, requeue bool) error {
	if requeue {
		a.acks = append(a.acks, "requeue")
	} else {
		a.acks = append(a.acks, "reject")
	}
	return nil
}

func (a *recordingAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func TestRoutingKey(t *testing.T) {
	if got := RoutingKey("ab-12"); got != "executor.ab-12" {
		t.Fatalf("RoutingKey = %q", got)
	}
}

func TestDeliveryOutcomes(t *testing.T) {
	ack := &recordingAck{}

	d := NewDelivery([]byte(`{}`), 7, ack)
	if string(d.Body) != "{}" {
		t.Fatalf("body %q", d.Body)
	}
	if err := d.Ack(); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := d.Requeue(); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if err := d.Reject(); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	want := []string{"ack", "requeue", "reject"}
	for i, w := range want {
		if ack.acks[i] != w {
			t.Fatalf("outcome %d = %q, want %q", i, ack.acks[i], w)
		}
	}
}
