package progress

import (
	"context"

	"github.com/JakeFAU/codedox/internal/crawler"
)

// Sink consumes batches of notifications. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []crawler.Notification) error
	Close(ctx context.Context) error
}
