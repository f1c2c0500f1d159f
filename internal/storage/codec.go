package storage

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/peteski22/adsmirror/internal/entity"
)

// zstdMagic opens every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Codec serializes snapshot payloads, optionally compressing them with zstd.
// Decoding recognises compressed and plain payloads alike, so the compression setting
// can change without rewriting stored records.
type Codec struct {
	compress bool
	decoder  *zstd.Decoder
	encoder  *zstd.Encoder
}

// NewCodec creates a Codec. When compress is false payloads are stored as plain JSON.
func NewCodec(compress bool) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{compress: compress, decoder: dec, encoder: enc}, nil
}

// Encode serializes the payload.
func (c *Codec) Encode(payload map[string]any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	if !c.compress {
		return data, nil
	}
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// Decode deserializes a payload produced by Encode.
func (c *Codec) Decode(data []byte) (map[string]any, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		raw, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		data = raw
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return payload, nil
}

// snapshot rebuilds a snapshot from its stored columns.
func (c *Codec) snapshot(id string, fingerprint string, data []byte) (entity.Snapshot, error) {
	payload, err := c.Decode(data)
	if err != nil {
		return entity.Snapshot{}, fmt.Errorf("snapshot %s: %w", id, err)
	}

	s := entity.Snapshot{
		EntityID:    id,
		Fingerprint: fingerprint,
		Payload:     payload,
	}
	if lm, ok := (entity.Entity{Fields: payload}).LastModified(); ok {
		s.LastModified = lm
	}
	return s, nil
}
