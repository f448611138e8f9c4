package enums

import "fmt"

// RefundStatus tracks the state of a refund transaction. Simulated refunds
// settle synchronously, so completed is the only state a persisted row holds.
type RefundStatus string

const (
	RefundStatusCompleted RefundStatus = "completed"
)

var validRefundStatuses = []RefundStatus{
	RefundStatusCompleted,
}

// String implements fmt.Stringer.
func (r RefundStatus) String() string {
	return string(r)
}

// IsValid reports whether the value is a known RefundStatus.
func (r RefundStatus) IsValid() bool {
	for _, candidate := range validRefundStatuses {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseRefundStatus converts raw input into a RefundStatus.
func ParseRefundStatus(value string) (RefundStatus, error) {
	for _, candidate := range validRefundStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid refund status %q", value)
}
