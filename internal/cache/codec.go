package cache

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Entries are stored as deterministic CBOR compressed with zstd. The encoder
// and decoder are safe for concurrent use and reused across calls.
var (
	encMode     cbor.EncMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cache: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cache: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes an entry for persistent stores.
func Encode(e Entry) ([]byte, error) {
	raw, err := encMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding cache entry: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// Decode reverses Encode.
func Decode(data []byte) (Entry, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("decompressing cache entry: %w", err)
	}
	var e Entry
	if err := cbor.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("decoding cache entry: %w", err)
	}
	return e, nil
}
