package bus

import (
	"context"
	"testing"
	"time"
)

func TestMessageBus_PublishInboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.inbound); i++ {
		mb.PublishInbound(InboundMessage{UpdateID: int64(i + 1), Channel: "test", ChatID: "c", Content: "msg"})
	}

	mb.PublishInbound(InboundMessage{Channel: "test", ChatID: "c", Content: "overflow"})
	if mb.DroppedInbound() != 1 {
		t.Fatalf("expected dropped inbound count 1, got %d", mb.DroppedInbound())
	}
}

func TestMessageBus_PublishOutboundDropsWhenBufferFull(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < cap(mb.outbound); i++ {
		mb.PublishOutbound(OutboundMessage{Channel: "test", ChatID: "c", Content: "msg"})
	}

	mb.PublishOutbound(OutboundMessage{Channel: "test", ChatID: "c", Content: "overflow"})
	if mb.DroppedOutbound() != 1 {
		t.Fatalf("expected dropped outbound count 1, got %d", mb.DroppedOutbound())
	}
}

func TestMessageBus_ClosedChannelsReturnFalse(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if _, ok := mb.ConsumeInbound(context.Background()); ok {
		t.Fatalf("expected closed inbound consume to return ok=false")
	}
	if _, ok := mb.SubscribeOutbound(context.Background()); ok {
		t.Fatalf("expected closed outbound subscribe to return ok=false")
	}
	if got := mb.DrainInbound(context.Background(), 10, 10*time.Millisecond); len(got) != 0 {
		t.Fatalf("expected empty drain on closed bus, got %d", len(got))
	}
}

func TestMessageBus_DrainInbound(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	if got := mb.DrainInbound(context.Background(), 10, 20*time.Millisecond); len(got) != 0 {
		t.Fatalf("expected empty batch after wait, got %d", len(got))
	}

	for i := 1; i <= 5; i++ {
		mb.PublishInbound(InboundMessage{UpdateID: int64(i), Content: "x"})
	}
	batch := mb.DrainInbound(context.Background(), 3, time.Second)
	if len(batch) != 3 {
		t.Fatalf("expected batch of 3, got %d", len(batch))
	}
	for i, msg := range batch {
		if msg.UpdateID != int64(i+1) {
			t.Fatalf("batch out of order: %+v", batch)
		}
	}
	rest := mb.DrainInbound(context.Background(), 0, time.Second)
	if len(rest) != 2 {
		t.Fatalf("expected remaining 2, got %d", len(rest))
	}
}

func TestInboundMessage_Kind(t *testing.T) {
	cases := []struct {
		msg  InboundMessage
		want PayloadKind
	}{
		{InboundMessage{Content: "hi"}, KindText},
		{InboundMessage{Document: &DocumentRef{FileID: "f", FileName: "a.pdf"}}, KindDocument},
		{InboundMessage{Content: "caption", Document: &DocumentRef{FileID: "f"}}, KindDocument},
		{InboundMessage{}, KindEmpty},
	}
	for _, tc := range cases {
		if got := tc.msg.Kind(); got != tc.want {
			t.Fatalf("Kind(%+v) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}
