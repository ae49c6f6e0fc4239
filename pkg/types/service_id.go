package types

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// ServiceID identifies a service across hosts. It is derived only from the
// messaging pattern and the service name, so independent hosts agree on it.
type ServiceID string

const serviceIDLength = 2 * 32

func NewServiceID(name ServiceName, pattern MessagingPattern) ServiceID {
	h := blake3.New()
	h.Write([]byte(pattern))
	h.Write([]byte{0})
	h.Write([]byte(name))
	return ServiceID(hex.EncodeToString(h.Sum(nil)))
}

func (id ServiceID) String() string {
	return string(id)
}

func ParseServiceID(s string) (ServiceID, error) {
	if len(s) != serviceIDLength {
		return "", fmt.Errorf("service id %q: expected %d hex characters", s, serviceIDLength)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("service id %q: invalid character %q", s, c)
		}
	}
	return ServiceID(s), nil
}
