package workflow

import "strings"

const (
	OrderStatusPending   = "pending"
	OrderStatusPreparing = "preparing"
	OrderStatusReady     = "ready"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
	OrderStatusRefunded  = "refunded"
)

const (
	OrderEventPreparing = "order.preparing"
	OrderEventReady     = "order.ready"
	OrderEventCompleted = "order.completed"
	OrderEventCancelled = "order.cancelled"
	OrderEventRefunded  = "order.refunded"
)

var orderTransitions = map[string]map[string]string{
	OrderStatusPending: {
		OrderStatusPreparing: OrderEventPreparing,
		OrderStatusReady:     OrderEventReady,
		OrderStatusCompleted: OrderEventCompleted,
		OrderStatusCancelled: OrderEventCancelled,
	},
	OrderStatusPreparing: {
		OrderStatusReady:     OrderEventReady,
		OrderStatusCancelled: OrderEventCancelled,
	},
	OrderStatusReady: {
		OrderStatusCompleted: OrderEventCompleted,
		OrderStatusCancelled: OrderEventCancelled,
	},
	OrderStatusCompleted: {
		OrderStatusRefunded: OrderEventRefunded,
	},
}

func NormalizeOrderStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func IsOrderStatus(status string) bool {
	status = NormalizeOrderStatus(status)
	for _, s := range AllOrderStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeOrderStatus(fromStatus)
	toStatus = NormalizeOrderStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	next := orderTransitions[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

func EventTypeForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeOrderStatus(fromStatus)
	toStatus = NormalizeOrderStatus(toStatus)
	if fromStatus == toStatus {
		return ""
	}
	next := orderTransitions[fromStatus]
	if next == nil {
		return ""
	}
	return next[toStatus]
}

// IsTerminal reports whether no transition leaves status.
func IsTerminal(status string) bool {
	return len(orderTransitions[NormalizeOrderStatus(status)]) == 0
}

func AllOrderStatuses() []string {
	return []string{
		OrderStatusPending,
		OrderStatusPreparing,
		OrderStatusReady,
		OrderStatusCompleted,
		OrderStatusCancelled,
		OrderStatusRefunded,
	}
}
