package tunnel

import (
	"errors"

	"github.com/samber/oops"

	"ipctunnel/pkg/types"
)

// Error codes attached to tunnel errors. Use oops.AsOops to read them.
const (
	CodeConstruction        = "construction"
	CodeTrackerSync         = "tracker_sync"
	CodeServiceDetails      = "service_details"
	CodeOpenService         = "open_service"
	CodeCreatePort          = "create_port"
	CodeDeclareEndpoint     = "declare_endpoint"
	CodeAnnounce            = "announce"
	CodeRemoteDiscovery     = "remote_discovery"
	CodeInvalidAnnouncement = "invalid_announcement"
)

var (
	ErrClosed              = errors.New("tunnel is closed")
	ErrServiceNotAnnounced = errors.New("service is not announced")
	ErrSessionLost         = errors.New("overlay session lost")
)

func serviceErrors(code string, id types.ServiceID) oops.OopsErrorBuilder {
	return oops.In("tunnel").Code(code).With("service_id", id.String())
}

func tunnelErrors(code string) oops.OopsErrorBuilder {
	return oops.In("tunnel").Code(code)
}
