package notify

import (
	"context"
	"log/slog"

	"github.com/oidovnamnan/gatesim/internal/orders/ports"
)

// LogNotifier records confirmations in the log instead of delivering them.
// It is used when SMTP is not configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendOrderConfirmation(ctx context.Context, msg ports.Confirmation) error {
	n.logger.InfoContext(ctx, "order confirmation not delivered, smtp disabled",
		"order_id", msg.OrderID,
		"email", msg.Email,
		"iccid", msg.ESIM.ICCID,
	)
	return nil
}
