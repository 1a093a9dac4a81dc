package delivery

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogTransport only logs messages. It is meant for local development where no
// provider credentials exist.
type LogTransport struct {
	log *zap.SugaredLogger
}

// NewLogTransport returns a dry-run transport.
func NewLogTransport(log *zap.SugaredLogger) *LogTransport {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LogTransport{log: log}
}

// Name implements the transport naming used in metrics.
func (t *LogTransport) Name() string { return "log" }

// Send logs msg and returns a generated id.
func (t *LogTransport) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "log-" + uuid.NewString()
	t.log.Infow("Dry-run email",
		"emailID", id,
		"from", msg.From,
		"to", msg.To,
		"subject", msg.Subject,
		"bytes", len(msg.HTML))
	return id, nil
}
