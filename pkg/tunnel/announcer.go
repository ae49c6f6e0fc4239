package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"ipctunnel/pkg/keys"
	"ipctunnel/pkg/metrics"
	"ipctunnel/pkg/overlay"
	"ipctunnel/pkg/types"
)

// Announcer answers overlay queries for one service with the JSON encoding of
// its static config.
type Announcer struct {
	id        types.ServiceID
	queryable *overlay.Queryable
}

func Announce(session *overlay.Session, static types.StaticConfig, logger *zap.Logger, m *metrics.TunnelMetrics) (*Announcer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := static.ServiceID

	details, err := json.Marshal(static)
	if err != nil {
		return nil, serviceErrors(CodeAnnounce, id).Wrapf(err, "encode service details")
	}

	key := keys.ServiceDetails(id)
	q, err := session.DeclareQueryable(key, func(q *overlay.Query) {
		if err := q.Reply(key, details); err != nil {
			logger.Warn("Failed to answer service details query",
				zap.String("service_id", id.String()),
				zap.String("selector", q.Selector()),
				zap.Error(err))
			return
		}
		m.QueryAnswered()
	})
	if err != nil {
		return nil, serviceErrors(CodeAnnounce, id).Wrapf(err, "declare details queryable")
	}

	return &Announcer{id: id, queryable: q}, nil
}

// Key is the details key the announcer answers on.
func (a *Announcer) Key() string { return a.queryable.Key() }

func (a *Announcer) Close() error {
	return a.queryable.Close()
}

// decodeAnnouncement checks that a reply is a well-formed announcement of the
// service its key names.
func decodeAnnouncement(reply overlay.Reply) (types.StaticConfig, error) {
	id, ok := keys.ParseServiceDetails(reply.Key)
	if !ok {
		return types.StaticConfig{}, tunnelErrors(CodeInvalidAnnouncement).
			With("key", reply.Key).
			Errorf("reply key is not a service details key")
	}

	var static types.StaticConfig
	if err := json.Unmarshal(reply.Payload, &static); err != nil {
		return types.StaticConfig{}, serviceErrors(CodeInvalidAnnouncement, id).Wrapf(err, "decode service details")
	}
	if static.ServiceID != id {
		return types.StaticConfig{}, serviceErrors(CodeInvalidAnnouncement, id).
			Errorf("details describe service %s", static.ServiceID)
	}
	if err := static.Validate(); err != nil {
		return types.StaticConfig{}, serviceErrors(CodeInvalidAnnouncement, id).Wrapf(err, "validate service details")
	}
	return static, nil
}

// QueryServices collects the details of every service announced on the
// overlay, deduplicated by id. Malformed announcements are reported in the
// returned error while the valid ones are still returned.
func QueryServices(ctx context.Context, session *overlay.Session) ([]types.StaticConfig, error) {
	replies, err := session.Get(ctx, keys.Discovery())
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("query service announcements: %w", err)
	}

	var errs []error
	seen := make(map[types.ServiceID]bool)
	services := make([]types.StaticConfig, 0, len(replies))
	for _, reply := range replies {
		static, err := decodeAnnouncement(reply)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[static.ServiceID] {
			continue
		}
		seen[static.ServiceID] = true
		services = append(services, static)
	}
	return services, errors.Join(errs...)
}

// QueryServiceDetails fetches the announced details of one service.
func QueryServiceDetails(ctx context.Context, session *overlay.Session, id types.ServiceID) (types.StaticConfig, error) {
	replies, err := session.Get(ctx, keys.ServiceDetails(id))
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return types.StaticConfig{}, fmt.Errorf("query service %s: %w", id, err)
	}

	var errs []error
	for _, reply := range replies {
		static, err := decodeAnnouncement(reply)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return static, nil
	}
	if len(errs) > 0 {
		return types.StaticConfig{}, errors.Join(errs...)
	}
	return types.StaticConfig{}, fmt.Errorf("%w: %s", ErrServiceNotAnnounced, id)
}
