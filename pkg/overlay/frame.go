package overlay

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

type frameKind uint8

const (
	frameDeclareSubscriber frameKind = iota + 1
	frameUndeclareSubscriber
	frameDeclareQueryable
	frameUndeclareQueryable
	framePut
	frameQuery
	frameReply
	frameReplyFinal
)

func (k frameKind) String() string {
	switch k {
	case frameDeclareSubscriber:
		return "declare_subscriber"
	case frameUndeclareSubscriber:
		return "undeclare_subscriber"
	case frameDeclareQueryable:
		return "declare_queryable"
	case frameUndeclareQueryable:
		return "undeclare_queryable"
	case framePut:
		return "put"
	case frameQuery:
		return "query"
	case frameReply:
		return "reply"
	case frameReplyFinal:
		return "reply_final"
	default:
		return fmt.Sprintf("frame(%d)", uint8(k))
	}
}

// frame is the single message exchanged between sessions and the router.
// ID is a declaration id for declare frames and a query id for query frames.
type frame struct {
	Kind    frameKind
	ID      uint64
	Key     string
	Payload []byte
	Origin  string
}

const (
	fieldKind    protowire.Number = 1
	fieldID      protowire.Number = 2
	fieldKey     protowire.Number = 3
	fieldPayload protowire.Number = 4
	fieldOrigin  protowire.Number = 5
)

func (f *frame) marshal() []byte {
	b := make([]byte, 0, 24+len(f.Key)+len(f.Payload)+len(f.Origin))
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	if f.ID != 0 {
		b = protowire.AppendTag(b, fieldID, protowire.VarintType)
		b = protowire.AppendVarint(b, f.ID)
	}
	if f.Key != "" {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendString(b, f.Key)
	}
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	if f.Origin != "" {
		b = protowire.AppendTag(b, fieldOrigin, protowire.BytesType)
		b = protowire.AppendString(b, f.Origin)
	}
	return b
}

// unmarshal decodes b into f. b may be reused by the caller afterwards, so
// byte fields are copied.
func (f *frame) unmarshal(b []byte) error {
	*f = frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("decode frame tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("decode frame kind: %w", protowire.ParseError(n))
			}
			f.Kind = frameKind(v)
			b = b[n:]
		case num == fieldID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("decode frame id: %w", protowire.ParseError(n))
			}
			f.ID = v
			b = b[n:]
		case num == fieldKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("decode frame key: %w", protowire.ParseError(n))
			}
			f.Key = string(v)
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("decode frame payload: %w", protowire.ParseError(n))
			}
			f.Payload = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldOrigin && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("decode frame origin: %w", protowire.ParseError(n))
			}
			f.Origin = string(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("skip frame field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if f.Kind < frameDeclareSubscriber || f.Kind > frameReplyFinal {
		return fmt.Errorf("decode frame: unknown kind %d", f.Kind)
	}
	return nil
}

const codecName = "ipctunnel-frame"

// frameCodec carries frames over gRPC without generated message types.
type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("frame codec: cannot marshal %T", v)
	}
	return f.marshal(), nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("frame codec: cannot unmarshal into %T", v)
	}
	return f.unmarshal(data)
}

func (frameCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(frameCodec{})
}
