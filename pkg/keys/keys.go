// Package keys derives the overlay key expressions under which tunneled
// services are announced and their data is exchanged.
package keys

import (
	"strings"

	"ipctunnel/pkg/types"
)

// Root is the namespace shared by every tunnel.
const Root = "ipctunnel/services"

const publishSubscribeSuffix = "publish_subscribe"

// Discovery matches the details key of every announced service.
func Discovery() string {
	return Root + "/*"
}

func ServiceDetails(id types.ServiceID) string {
	return Root + "/" + id.String()
}

func PublishSubscribe(id types.ServiceID) string {
	return ServiceDetails(id) + "/" + publishSubscribeSuffix
}

// ParseServiceDetails returns the service id encoded in a details key.
func ParseServiceDetails(key string) (types.ServiceID, bool) {
	rest, ok := strings.CutPrefix(key, Root+"/")
	if !ok || strings.Contains(rest, "/") {
		return "", false
	}
	id, err := types.ParseServiceID(rest)
	if err != nil {
		return "", false
	}
	return id, true
}
