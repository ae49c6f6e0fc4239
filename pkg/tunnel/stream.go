package tunnel

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ipctunnel/pkg/ipc"
	"ipctunnel/pkg/keys"
	"ipctunnel/pkg/metrics"
	"ipctunnel/pkg/overlay"
	"ipctunnel/pkg/types"
)

// streamLog throttles per-message warnings so a broken stream cannot flood
// the log.
type streamLog struct {
	logger  *zap.Logger
	limiter *rate.Limiter
}

func newStreamLog(logger *zap.Logger, id types.ServiceID, direction string) streamLog {
	return streamLog{
		logger:  logger.With(zap.String("service_id", id.String()), zap.String("direction", direction)),
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

func (l streamLog) warn(msg string, err error) {
	if l.limiter.Allow() {
		l.logger.Warn(msg, zap.Error(err))
	}
}

func (l streamLog) overflow(n uint64) {
	if l.limiter.Allow() {
		l.logger.Warn("Inbound queue overflowed", zap.Uint64("discarded", n))
	}
}

// OutboundStream forwards samples from a local subscriber to the overlay.
type OutboundStream struct {
	id         types.ServiceID
	subscriber *ipc.Subscriber
	publisher  *overlay.Publisher
	log        streamLog
	metrics    *metrics.TunnelMetrics
}

func newOutboundStream(svc *ipc.Service, session *overlay.Session, logger *zap.Logger, m *metrics.TunnelMetrics) (*OutboundStream, error) {
	id := svc.ID()

	sub, err := svc.CreateSubscriber(ipc.SubscriberOptions{IgnoreSameNode: true})
	if err != nil {
		return nil, serviceErrors(CodeCreatePort, id).Wrapf(err, "create local subscriber")
	}
	pub, err := session.DeclarePublisher(keys.PublishSubscribe(id))
	if err != nil {
		sub.Close()
		return nil, serviceErrors(CodeDeclareEndpoint, id).Wrapf(err, "declare overlay publisher")
	}

	return &OutboundStream{
		id:         id,
		subscriber: sub,
		publisher:  pub,
		log:        newStreamLog(logger, id, metrics.DirectionOutbound),
		metrics:    m,
	}, nil
}

// Propagate publishes every buffered local sample to the overlay and returns
// the number forwarded. A failed publish drops that sample only.
func (s *OutboundStream) Propagate() int {
	forwarded := 0
	for {
		sample, err := s.subscriber.Receive()
		if err != nil {
			s.log.warn("Failed to receive local sample", err)
			s.metrics.ForwardFailed(metrics.DirectionOutbound)
			return forwarded
		}
		if sample == nil {
			return forwarded
		}

		payload := make([]byte, sample.Len())
		copy(payload, sample.Payload())
		if err := s.publisher.Put(payload); err != nil {
			s.log.warn("Failed to publish sample to overlay", err)
			s.metrics.ForwardFailed(metrics.DirectionOutbound)
			continue
		}
		s.metrics.Forwarded(metrics.DirectionOutbound, len(payload))
		forwarded++
	}
}

func (s *OutboundStream) Close() error {
	return errors.Join(s.publisher.Close(), s.subscriber.Close())
}

type inboundOptions struct {
	queueDepth         int
	allocation         ipc.AllocationStrategy
	initialMaxSliceLen int
}

// InboundStream forwards samples of remote origin from the overlay to a local
// publisher.
type InboundStream struct {
	id         types.ServiceID
	subscriber *overlay.Subscriber
	publisher  *ipc.Publisher
	log        streamLog
	metrics    *metrics.TunnelMetrics
	// dropped is the overflow count already reported.
	dropped uint64
}

func newInboundStream(svc *ipc.Service, session *overlay.Session, opts inboundOptions, logger *zap.Logger, m *metrics.TunnelMetrics) (*InboundStream, error) {
	id := svc.ID()

	pub, err := svc.CreatePublisher(ipc.PublisherOptions{
		AllocationStrategy: opts.allocation,
		InitialMaxSliceLen: opts.initialMaxSliceLen,
	})
	if err != nil {
		return nil, serviceErrors(CodeCreatePort, id).Wrapf(err, "create local publisher")
	}
	sub, err := session.DeclareSubscriber(keys.PublishSubscribe(id), overlay.SubscriberOptions{
		Capacity:      opts.queueDepth,
		AllowedOrigin: overlay.Remote,
	})
	if err != nil {
		pub.Close()
		return nil, serviceErrors(CodeDeclareEndpoint, id).Wrapf(err, "declare overlay subscriber")
	}

	return &InboundStream{
		id:         id,
		subscriber: sub,
		publisher:  pub,
		log:        newStreamLog(logger, id, metrics.DirectionInbound),
		metrics:    m,
	}, nil
}

// Propagate sends every queued overlay sample to local subscribers and
// returns the number forwarded. A sample that cannot be loaned or sent is
// dropped. Samples the overlay queue discarded since the last call are
// reported as overflows.
func (s *InboundStream) Propagate() int {
	if dropped := s.subscriber.Dropped(); dropped > s.dropped {
		s.log.overflow(dropped - s.dropped)
		s.metrics.QueueOverflowed(dropped - s.dropped)
		s.dropped = dropped
	}

	forwarded := 0
	for {
		sample, ok := s.subscriber.TryRecv()
		if !ok {
			return forwarded
		}

		loan, err := s.publisher.LoanUninit(len(sample.Payload))
		if err != nil {
			s.log.warn("Failed to loan local sample", err)
			s.metrics.ForwardFailed(metrics.DirectionInbound)
			continue
		}
		copy(loan.Payload(), sample.Payload)
		if _, err := loan.AssumeInit().Send(); err != nil {
			s.log.warn("Failed to send local sample", err)
			s.metrics.ForwardFailed(metrics.DirectionInbound)
			continue
		}
		s.metrics.Forwarded(metrics.DirectionInbound, len(sample.Payload))
		forwarded++
	}
}

func (s *InboundStream) Close() error {
	return errors.Join(s.subscriber.Close(), s.publisher.Close())
}
