package types

import (
	"fmt"
	"strings"
)

type ServiceName string

const MaxServiceNameLength = 255

func (n ServiceName) Validate() error {
	if n == "" {
		return fmt.Errorf("service name is empty")
	}
	if len(n) > MaxServiceNameLength {
		return fmt.Errorf("service name exceeds %d bytes", MaxServiceNameLength)
	}
	if strings.ContainsAny(string(n), "\x00\n") {
		return fmt.Errorf("service name %q contains control characters", string(n))
	}
	return nil
}

type MessagingPattern string

const (
	PublishSubscribe MessagingPattern = "publish_subscribe"
	Event            MessagingPattern = "event"
)

type TypeVariant string

const (
	FixedSize TypeVariant = "fixed_size"
	Dynamic   TypeVariant = "dynamic"
)

// TypeDetail describes the memory layout of a header or payload type. For
// dynamic payloads Size is the size of a single slice element.
type TypeDetail struct {
	Variant   TypeVariant `json:"variant" yaml:"variant"`
	TypeName  string      `json:"type_name" yaml:"type_name"`
	Size      int         `json:"size" yaml:"size"`
	Alignment int         `json:"alignment" yaml:"alignment"`
}

func (d TypeDetail) IsZero() bool {
	return d == TypeDetail{}
}

// ByteSlice is the payload type used when no payload type is given.
func ByteSlice() TypeDetail {
	return TypeDetail{Variant: Dynamic, TypeName: "u8", Size: 1, Alignment: 1}
}

// NoHeader is the user header type used when no user header is given.
func NoHeader() TypeDetail {
	return TypeDetail{Variant: FixedSize, TypeName: "()", Size: 0, Alignment: 1}
}

type MessageTypeDetails struct {
	Header     TypeDetail `json:"header" yaml:"header"`
	UserHeader TypeDetail `json:"user_header" yaml:"user_header"`
	Payload    TypeDetail `json:"payload" yaml:"payload"`
}

// SampleHeader is the fixed header every local sample carries.
func SampleHeader() TypeDetail {
	return TypeDetail{Variant: FixedSize, TypeName: "ipctunnel::Header", Size: 16, Alignment: 8}
}

type PublishSubscribeConfig struct {
	MaxPublishers           int                `json:"max_publishers" yaml:"max_publishers"`
	MaxSubscribers          int                `json:"max_subscribers" yaml:"max_subscribers"`
	MaxNodes                int                `json:"max_nodes" yaml:"max_nodes"`
	HistorySize             int                `json:"history_size" yaml:"history_size"`
	SubscriberMaxBufferSize int                `json:"subscriber_max_buffer_size" yaml:"subscriber_max_buffer_size"`
	MessageTypeDetails      MessageTypeDetails `json:"message_type_details" yaml:"message_type_details"`
}

const (
	DefaultMaxPublishers           = 2
	DefaultMaxSubscribers          = 8
	DefaultMaxNodes                = 20
	DefaultSubscriberMaxBufferSize = 2
)

// WithDefaults fills every unset limit and type descriptor.
func (c PublishSubscribeConfig) WithDefaults() PublishSubscribeConfig {
	if c.MaxPublishers <= 0 {
		c.MaxPublishers = DefaultMaxPublishers
	}
	if c.MaxSubscribers <= 0 {
		c.MaxSubscribers = DefaultMaxSubscribers
	}
	if c.MaxNodes <= 0 {
		c.MaxNodes = DefaultMaxNodes
	}
	if c.HistorySize < 0 {
		c.HistorySize = 0
	}
	if c.SubscriberMaxBufferSize <= 0 {
		c.SubscriberMaxBufferSize = DefaultSubscriberMaxBufferSize
	}
	if c.MessageTypeDetails.Header.IsZero() {
		c.MessageTypeDetails.Header = SampleHeader()
	}
	if c.MessageTypeDetails.UserHeader.IsZero() {
		c.MessageTypeDetails.UserHeader = NoHeader()
	}
	if c.MessageTypeDetails.Payload.IsZero() {
		c.MessageTypeDetails.Payload = ByteSlice()
	}
	return c
}

type EventConfig struct {
	MaxNotifiers int `json:"max_notifiers" yaml:"max_notifiers"`
	MaxListeners int `json:"max_listeners" yaml:"max_listeners"`
}

// StaticConfig is the immutable description of a service as it was created.
type StaticConfig struct {
	ServiceID        ServiceID               `json:"service_id" yaml:"service_id"`
	Name             ServiceName             `json:"service_name" yaml:"service_name"`
	Pattern          MessagingPattern        `json:"messaging_pattern" yaml:"messaging_pattern"`
	PublishSubscribe *PublishSubscribeConfig `json:"publish_subscribe,omitempty" yaml:"publish_subscribe,omitempty"`
	Event            *EventConfig            `json:"event,omitempty" yaml:"event,omitempty"`
}

// Validate checks that the identifier matches the name and pattern and that
// the pattern-specific section is present.
func (c StaticConfig) Validate() error {
	if err := c.Name.Validate(); err != nil {
		return err
	}
	if want := NewServiceID(c.Name, c.Pattern); c.ServiceID != want {
		return fmt.Errorf("service id %s does not match %s service %q", c.ServiceID, c.Pattern, c.Name)
	}
	switch c.Pattern {
	case PublishSubscribe:
		if c.PublishSubscribe == nil {
			return fmt.Errorf("service %q has no publish-subscribe settings", c.Name)
		}
	case Event:
		if c.Event == nil {
			return fmt.Errorf("service %q has no event settings", c.Name)
		}
	default:
		return fmt.Errorf("unknown messaging pattern %q", c.Pattern)
	}
	return nil
}
