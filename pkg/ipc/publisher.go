package ipc

import (
	"fmt"
	"math/bits"
	"sync"

	"ipctunnel/pkg/types"
)

// AllocationStrategy decides how a publisher's max slice length grows when a
// loan exceeds it.
type AllocationStrategy int

const (
	AllocationPowerOfTwo AllocationStrategy = iota
	AllocationBestFit
	AllocationStatic
)

func (a AllocationStrategy) String() string {
	switch a {
	case AllocationStatic:
		return "static"
	case AllocationBestFit:
		return "best_fit"
	case AllocationPowerOfTwo:
		return "power_of_two"
	default:
		return fmt.Sprintf("AllocationStrategy(%d)", int(a))
	}
}

func ParseAllocationStrategy(s string) (AllocationStrategy, error) {
	switch s {
	case "static":
		return AllocationStatic, nil
	case "best_fit", "bestfit":
		return AllocationBestFit, nil
	case "power_of_two", "poweroftwo", "":
		return AllocationPowerOfTwo, nil
	default:
		return 0, fmt.Errorf("unknown allocation strategy %q", s)
	}
}

type PublisherOptions struct {
	AllocationStrategy AllocationStrategy
	// InitialMaxSliceLen is the initial loan limit in bytes for dynamic
	// payloads. Fixed-size payloads always use the payload size.
	InitialMaxSliceLen int
}

type Publisher struct {
	id       uint64
	svc      *service
	node     *Node
	strategy AllocationStrategy
	payload  types.TypeDetail

	mu     sync.Mutex
	maxLen int
	closed bool
}

func (p *Publisher) ID() uint64 { return p.id }

func (p *Publisher) MaxSliceLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxLen
}

// LoanUninit reserves a payload buffer of n bytes.
func (p *Publisher) LoanUninit(n int) (*SampleMutUninit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPortClosed
	}

	switch {
	case n < 0:
		return nil, fmt.Errorf("%w: negative length %d", ErrPayloadSizeMismatch, n)
	case p.payload.Variant == types.FixedSize && n != p.payload.Size:
		return nil, fmt.Errorf("%w: %d bytes for %d byte %s", ErrPayloadSizeMismatch, n, p.payload.Size, p.payload.TypeName)
	case p.payload.Variant == types.Dynamic && p.payload.Size > 0 && n%p.payload.Size != 0:
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d byte %s", ErrPayloadSizeMismatch, n, p.payload.Size, p.payload.TypeName)
	}

	if n > p.maxLen {
		switch p.strategy {
		case AllocationBestFit:
			p.maxLen = n
		case AllocationPowerOfTwo:
			p.maxLen = nextPowerOfTwo(n)
		default:
			return nil, fmt.Errorf("%w: %d > %d", ErrExceedsMaxLoanSize, n, p.maxLen)
		}
	}

	return &SampleMutUninit{pub: p, data: make([]byte, n)}, nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.svc.mu.Lock()
	delete(p.svc.publishers, p.id)
	p.svc.mu.Unlock()

	p.node.untrack(p)
	p.svc.dom.release(p.svc, p.node.id)
	return nil
}

func (p *Publisher) send(data []byte) (int, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, ErrPortClosed
	}

	sample := &Sample{
		payload: data,
		header:  Header{NodeID: p.node.id, PublisherID: p.id},
	}
	return p.svc.deliver(sample), nil
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// SampleMutUninit is a loaned buffer whose contents are not yet initialized.
type SampleMutUninit struct {
	pub  *Publisher
	data []byte
}

func (s *SampleMutUninit) Payload() []byte { return s.data }

func (s *SampleMutUninit) AssumeInit() *SampleMut {
	return &SampleMut{pub: s.pub, data: s.data}
}

func (s *SampleMutUninit) WriteFromSlice(b []byte) *SampleMut {
	copy(s.data, b)
	return s.AssumeInit()
}

type SampleMut struct {
	pub  *Publisher
	data []byte
	sent bool
}

func (s *SampleMut) Payload() []byte { return s.data }

// Send delivers the sample and returns how many subscribers received it.
func (s *SampleMut) Send() (int, error) {
	if s.sent {
		return 0, ErrSampleAlreadySent
	}
	s.sent = true
	return s.pub.send(s.data)
}
