// Package transport defines the outbound notification surface. The order
// lifecycle publishes Notifications; an Adapter delivers them to the chat
// platform. Delivery is best-effort and failures never reach the lifecycle.
package transport

import "context"

// Kind labels a notification for logging and templating.
type Kind string

const (
	KindNewOrder          Kind = "new_order"
	KindOrderAccepted     Kind = "order_accepted"
	KindConfirmTimeout    Kind = "confirm_timeout"
	KindWorkConfirmed     Kind = "work_confirmed"
	KindReportRequested   Kind = "report_requested"
	KindApprovalRequested Kind = "approval_requested"
	KindOrderCompleted    Kind = "order_completed"
	KindAutoReleased      Kind = "auto_released"
	KindDisputeOpened     Kind = "dispute_opened"
	KindRatingReceived    Kind = "rating_received"
	KindLowRating         Kind = "low_rating"
)

type Location struct {
	Lat float64
	Lon float64
}

type Notification struct {
	UserID int64
	Kind   Kind
	Text   string

	// Location, when set, is sent as a separate map pin after the text.
	Location *Location
}

type Adapter interface {
	SendText(ctx context.Context, to int64, text string) error
	SendLocation(ctx context.Context, to int64, lat, lon float64) error
}
