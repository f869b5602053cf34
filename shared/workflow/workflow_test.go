package workflow

import "testing"

func TestCanTransition(t *testing.T) {
	if !CanTransition(OrderStatusPending, OrderStatusPreparing) {
		t.Fatalf("expected pending -> preparing to be allowed")
	}
	if !CanTransition(OrderStatusCompleted, OrderStatusRefunded) {
		t.Fatalf("expected completed -> refunded to be allowed")
	}
	if CanTransition(OrderStatusCompleted, OrderStatusPreparing) {
		t.Fatalf("expected completed -> preparing to be blocked")
	}
	if CanTransition(OrderStatusCancelled, OrderStatusCompleted) {
		t.Fatalf("expected cancelled -> completed to be blocked")
	}
	if !CanTransition(" Ready ", "READY") {
		t.Fatalf("expected same-status transition to be a no-op")
	}
}

func TestEventTypeForTransition(t *testing.T) {
	if ev := EventTypeForTransition(OrderStatusReady, OrderStatusCompleted); ev != OrderEventCompleted {
		t.Fatalf("expected %s, got %q", OrderEventCompleted, ev)
	}
	if ev := EventTypeForTransition(OrderStatusReady, OrderStatusReady); ev != "" {
		t.Fatalf("expected no event for same status, got %q", ev)
	}
}

func TestIsOrderStatusAndTerminal(t *testing.T) {
	if !IsOrderStatus("Completed") || IsOrderStatus("shipped") {
		t.Fatalf("unexpected status recognition")
	}
	if !IsTerminal(OrderStatusRefunded) || !IsTerminal(OrderStatusCancelled) || IsTerminal(OrderStatusPending) {
		t.Fatalf("unexpected terminal classification")
	}
}
