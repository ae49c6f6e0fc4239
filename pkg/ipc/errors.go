package ipc

import "errors"

var (
	ErrInvalidDomain         = errors.New("invalid domain name")
	ErrNodeClosed            = errors.New("node is closed")
	ErrServiceClosed         = errors.New("service handle is closed")
	ErrPortClosed            = errors.New("port is closed")
	ErrIncompatiblePattern   = errors.New("service has a different messaging pattern")
	ErrIncompatibleTypes     = errors.New("service exists with different message types")
	ErrExceedsMaxPublishers  = errors.New("service supports no further publishers")
	ErrExceedsMaxSubscribers = errors.New("service supports no further subscribers")
	ErrExceedsMaxNodes       = errors.New("service supports no further nodes")
	ErrBufferSizeExceeded    = errors.New("subscriber buffer exceeds service limit")
	ErrExceedsMaxLoanSize    = errors.New("loan exceeds publisher max slice length")
	ErrPayloadSizeMismatch   = errors.New("loan size does not fit payload type")
	ErrSampleAlreadySent     = errors.New("sample already sent")
)
