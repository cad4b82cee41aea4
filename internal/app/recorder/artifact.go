package recorder

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/dkeye/Verify/internal/core"
)

const (
	artifactVersion = 1

	mediaTypePlain     = "application/vnd.verify.recording+cbor+zstd"
	mediaTypeEncrypted = "application/vnd.verify.recording+age"
)

// Artifact is the finalized recording of one session.
type Artifact struct {
	Version   int       `cbor:"1,keyasint"`
	SessionID string    `cbor:"2,keyasint"`
	StartedAt time.Time `cbor:"3,keyasint"`
	StoppedAt time.Time `cbor:"4,keyasint"`
	Chunks    []Chunk   `cbor:"5,keyasint"`
	// Truncated is set when capture hit the chunk limit.
	Truncated bool `cbor:"6,keyasint,omitempty"`
}

// Chunk groups the frames captured during one chunk interval.
type Chunk struct {
	Seq       int       `cbor:"1,keyasint"`
	StartedAt time.Time `cbor:"2,keyasint"`
	Frames    []Frame   `cbor:"3,keyasint"`
}

type Frame struct {
	Kind core.MediaKind `cbor:"1,keyasint"`
	// Offset from the chunk start.
	Offset   time.Duration `cbor:"2,keyasint"`
	Duration time.Duration `cbor:"3,keyasint"`
	Data     []byte        `cbor:"4,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("recorder: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("recorder: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("recorder: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("recorder: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes a to CBOR, compresses it and, when recipient is not
// nil, encrypts it to that age recipient.
func Encode(a *Artifact, recipient age.Recipient) (data []byte, mediaType string, err error) {
	raw, err := encMode.Marshal(a)
	if err != nil {
		return nil, "", fmt.Errorf("encode artifact: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))
	if recipient == nil {
		return compressed, mediaTypePlain, nil
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, "", fmt.Errorf("encrypt artifact: %w", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return nil, "", fmt.Errorf("encrypt artifact: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("encrypt artifact: %w", err)
	}
	return buf.Bytes(), mediaTypeEncrypted, nil
}

// Decode reverses Encode. identity is required for encrypted artifacts.
func Decode(data []byte, identity age.Identity) (*Artifact, error) {
	compressed := data
	if identity != nil {
		r, err := age.Decrypt(bytes.NewReader(data), identity)
		if err != nil {
			return nil, fmt.Errorf("decrypt artifact: %w", err)
		}
		compressed, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("decrypt artifact: %w", err)
		}
	}
	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress artifact: %w", err)
	}
	var a Artifact
	if err := decMode.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return &a, nil
}
