package payload

import (
	"google.golang.org/protobuf/proto"
)

// ProtoPayload adapts a protobuf message to the Payload contract. The
// wire type name is the message's full protobuf name, so both peers
// dispatch on the same key without extra registration.
type ProtoPayload struct {
	Msg proto.Message

	// size caches ByteSize between the size query and SerializeInto;
	// proto.Size walks the message, so the caller-visible contract of
	// "ByteSize then SerializeInto" costs one walk, not two.
	size int
}

// WrapProto returns a Payload view of msg.
func WrapProto(msg proto.Message) *ProtoPayload {
	return &ProtoPayload{Msg: msg}
}

// ProtoFactory returns a Factory producing empty clones of prototype.
func ProtoFactory(prototype proto.Message) Factory {
	return func() Payload {
		return &ProtoPayload{Msg: prototype.ProtoReflect().New().Interface()}
	}
}

func (p *ProtoPayload) TypeName() string {
	return string(p.Msg.ProtoReflect().Descriptor().FullName())
}

func (p *ProtoPayload) ByteSize() int {
	p.size = proto.Size(p.Msg)
	return p.size
}

func (p *ProtoPayload) SerializeInto(buf []byte) error {
	if p.size == 0 {
		p.size = proto.Size(p.Msg)
	}
	if len(buf) < p.size {
		return ErrShortBuffer
	}
	_, err := proto.MarshalOptions{}.MarshalAppend(buf[:0], p.Msg)
	return err
}

func (p *ProtoPayload) ParseFrom(buf []byte) error {
	return proto.Unmarshal(buf, p.Msg)
}
