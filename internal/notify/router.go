package notify

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/cryptoradar/cryptoradar/internal/detect"
)

// Router sends each alert kind to its own notifier, falling back to
// Default for kinds without a dedicated channel.
type Router struct {
	Default detect.Notifier
	ByKind  map[detect.Kind]detect.Notifier
}

func (r *Router) Send(ctx context.Context, kind detect.Kind, alerts []detect.Alert) error {
	if n, ok := r.ByKind[kind]; ok {
		return n.Send(ctx, kind, alerts)
	}
	return r.Default.Send(ctx, kind, alerts)
}

// Logger writes alerts to the log. It is the fallback when no webhook is
// configured.
type Logger struct{}

func (Logger) Send(_ context.Context, kind detect.Kind, alerts []detect.Alert) error {
	for _, a := range alerts {
		log.Info().
			Str("kind", string(kind)).
			Str("dedup_key", a.DedupKey).
			Time("detected_at", a.DetectedAt).
			Msg("alert")
	}
	return nil
}
