package recordio

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/snappy"
)

// Codec identifies how a record's key+payload envelope is encoded on disk.
// It is an implementation detail of storage: spec.md's on-disk layout
// describes the stored file as "record payload (raw bytes)" from an
// external tool's point of view, but since the logical Record carries a key
// alongside the payload (spec.md §3) and only one file is written per
// offset, the key travels inside that same opaque envelope so a consumer
// can recover it on replay. The core still never interprets the decoded
// payload itself.
type Codec byte

const (
	// CodecNone stores the envelope verbatim.
	CodecNone Codec = 0
	// CodecSnappy stores the envelope snappy-compressed.
	CodecSnappy Codec = 1
)

// ParseCodec maps a config string ("none", "snappy") to a Codec.
func ParseCodec(s string) (Codec, error) {
	switch s {
	case "", "none":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	default:
		return 0, fmt.Errorf("recordio: unknown compression codec %q", s)
	}
}

// Encode builds the on-disk envelope for (key, payload): a fixed-width key
// length prefix followed by the key and payload, then compresses the whole
// envelope if the codec requires it and prefixes a one-byte codec tag.
func Encode(codec Codec, key, payload []byte) []byte {
	envelope := make([]byte, 4+len(key)+len(payload))
	binary.BigEndian.PutUint32(envelope[0:4], uint32(len(key)))
	copy(envelope[4:4+len(key)], key)
	copy(envelope[4+len(key):], payload)

	switch codec {
	case CodecSnappy:
		compressed := snappy.Encode(nil, envelope)
		out := make([]byte, 1+len(compressed))
		out[0] = byte(CodecSnappy)
		copy(out[1:], compressed)
		return out
	default:
		out := make([]byte, 1+len(envelope))
		out[0] = byte(CodecNone)
		copy(out[1:], envelope)
		return out
	}
}

// Decode strips the codec tag written by Encode, decompresses if
// necessary, and splits the recovered envelope back into (key, payload).
// A record written with compression enabled is still readable by a process
// later configured without it, and vice versa.
func Decode(stored []byte) (key, payload []byte, err error) {
	if len(stored) == 0 {
		return nil, nil, fmt.Errorf("recordio: empty stored record")
	}
	tag := Codec(stored[0])
	body := stored[1:]

	var envelope []byte
	switch tag {
	case CodecNone:
		envelope = body
	case CodecSnappy:
		envelope, err = snappy.Decode(nil, body)
		if err != nil {
			return nil, nil, fmt.Errorf("recordio: snappy decode: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("recordio: unrecognized codec tag %d", tag)
	}

	if len(envelope) < 4 {
		return nil, nil, fmt.Errorf("recordio: truncated envelope")
	}
	keyLen := binary.BigEndian.Uint32(envelope[0:4])
	if uint32(len(envelope)-4) < keyLen {
		return nil, nil, fmt.Errorf("recordio: truncated key")
	}
	key = envelope[4 : 4+keyLen]
	payload = envelope[4+keyLen:]
	return key, payload, nil
}
