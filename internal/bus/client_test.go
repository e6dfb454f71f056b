package bus_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/bus/bustest"
	"github.com/nats-io/nats.go"
)

type ping struct {
	Value string `json:"value"`
}

func TestRequestJSON(t *testing.T) {
	client := bustest.Connect(t)
	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}

	sub, err := client.Conn().Subscribe("test.echo", func(msg *nats.Msg) {
		var in ping
		if err := json.Unmarshal(msg.Data, &in); err != nil {
			return
		}
		data, _ := json.Marshal(ping{Value: in.Value + "!"})
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out ping
	if err := client.RequestJSON(ctx, "test.echo", ping{Value: "hi"}, &out); err != nil {
		t.Fatalf("request: %v", err)
	}
	if out.Value != "hi!" {
		t.Fatalf("unexpected reply %q", out.Value)
	}
}

func TestPublishJSON(t *testing.T) {
	client := bustest.Connect(t)
	received := make(chan ping, 1)
	sub, err := client.Conn().Subscribe("test.publish", func(msg *nats.Msg) {
		var in ping
		if err := json.Unmarshal(msg.Data, &in); err == nil {
			received <- in
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := client.PublishJSON("test.publish", ping{Value: "one"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-received:
		if got.Value != "one" {
			t.Fatalf("unexpected payload %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}
