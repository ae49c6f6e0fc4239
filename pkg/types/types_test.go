package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceID(t *testing.T) {
	a := NewServiceID("camera/front", PublishSubscribe)
	b := NewServiceID("camera/front", PublishSubscribe)
	assert.Equal(t, a, b, "same name and pattern must derive the same id")

	assert.NotEqual(t, a, NewServiceID("camera/front", Event))
	assert.NotEqual(t, a, NewServiceID("camera/rear", PublishSubscribe))

	parsed, err := ParseServiceID(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
}

func TestParseServiceID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"derived", string(NewServiceID("x", PublishSubscribe)), false},
		{"empty", "", true},
		{"too short", "abc123", true},
		{"uppercase", "A" + string(NewServiceID("x", PublishSubscribe))[1:], true},
		{"path chunk", string(NewServiceID("x", PublishSubscribe))[:62] + "/x", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseServiceID(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPublishSubscribeConfigDefaults(t *testing.T) {
	cfg := PublishSubscribeConfig{MaxSubscribers: 3}.WithDefaults()

	assert.Equal(t, DefaultMaxPublishers, cfg.MaxPublishers)
	assert.Equal(t, 3, cfg.MaxSubscribers)
	assert.Equal(t, DefaultSubscriberMaxBufferSize, cfg.SubscriberMaxBufferSize)
	assert.Equal(t, ByteSlice(), cfg.MessageTypeDetails.Payload)
	assert.Equal(t, NoHeader(), cfg.MessageTypeDetails.UserHeader)
	assert.Equal(t, SampleHeader(), cfg.MessageTypeDetails.Header)
}

func TestStaticConfigValidate(t *testing.T) {
	ps := PublishSubscribeConfig{}.WithDefaults()

	valid := StaticConfig{
		ServiceID:        NewServiceID("radar", PublishSubscribe),
		Name:             "radar",
		Pattern:          PublishSubscribe,
		PublishSubscribe: &ps,
	}
	require.NoError(t, valid.Validate())

	forged := valid
	forged.ServiceID = NewServiceID("lidar", PublishSubscribe)
	assert.Error(t, forged.Validate())

	missing := valid
	missing.PublishSubscribe = nil
	assert.Error(t, missing.Validate())

	event := StaticConfig{
		ServiceID: NewServiceID("radar", Event),
		Name:      "radar",
		Pattern:   Event,
		Event:     &EventConfig{MaxNotifiers: 1, MaxListeners: 1},
	}
	assert.NoError(t, event.Validate())
}
