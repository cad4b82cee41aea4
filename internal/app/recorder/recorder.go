// Package recorder captures a session's local media into a recording
// artifact, gated by the participant's recording consent.
package recorder

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Verify/internal/core"
	"github.com/dkeye/Verify/internal/domain"
)

const recordingsNamespace = "recordings"

// Sessions is the part of the session store the recorder needs.
type Sessions interface {
	Get(ctx context.Context, id domain.SessionID) (*domain.VideoSession, error)
	SetRecording(ctx context.Context, id domain.SessionID, ref string, encrypted bool) (*domain.VideoSession, error)
}

type Config struct {
	ChunkInterval time.Duration
	MaxChunks     int
	// Recipient is an age X25519 public key; empty stores plain artifacts.
	Recipient string
}

// Outcome is the result of stopping a recording. On failure Ref is empty
// and Err says why; the session status is never touched.
type Outcome struct {
	Ref       string
	Encrypted bool
	Chunks    int
	Err       error
}

type Recorder struct {
	sessions  Sessions
	objects   core.ObjectStore
	cfg       Config
	recipient age.Recipient
	now       func() time.Time

	mu     sync.Mutex
	active map[domain.SessionID]*recording
}

func New(sessions Sessions, objects core.ObjectStore, cfg Config) (*Recorder, error) {
	if cfg.ChunkInterval <= 0 || cfg.MaxChunks <= 0 {
		return nil, domain.Invalid("chunk interval and max chunks must be positive")
	}
	r := &Recorder{
		sessions: sessions,
		objects:  objects,
		cfg:      cfg,
		now:      time.Now,
		active:   make(map[domain.SessionID]*recording),
	}
	if cfg.Recipient != "" {
		rcpt, err := age.ParseX25519Recipient(cfg.Recipient)
		if err != nil {
			return nil, fmt.Errorf("parse recording recipient: %w", err)
		}
		r.recipient = rcpt
	}
	return r, nil
}

// Active reports whether a recording is running for id.
func (r *Recorder) Active(id domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}

// Start begins capturing media for id. It fails with ConsentRequired unless
// the stored session carries recording consent.
func (r *Recorder) Start(ctx context.Context, id domain.SessionID, media core.LocalMedia) error {
	vs, err := r.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if !vs.RecordingConsent {
		log.Warn().Str("module", "recorder").Str("session", string(id)).Msg("recording refused without consent")
		return domain.ErrConsentRequired
	}
	if media == nil || media.Released() {
		return domain.ErrNoLocalMedia
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; ok {
		return domain.ErrAlreadyRecording
	}
	rec := &recording{
		id:        id,
		tap:       media.Tap(),
		interval:  r.cfg.ChunkInterval,
		maxChunks: r.cfg.MaxChunks,
		now:       r.now,
		startedAt: r.now(),
		stop:      make(chan struct{}),
		finished:  make(chan struct{}),
	}
	rec.current = Chunk{Seq: 0, StartedAt: rec.startedAt}
	r.active[id] = rec
	go rec.capture()

	log.Info().Str("module", "recorder").Str("session", string(id)).Msg("recording started")
	return nil
}

func (r *Recorder) take(id domain.SessionID) (*recording, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.active[id]
	if ok {
		delete(r.active, id)
	}
	return rec, ok
}

// Stop finalizes the recording into one artifact, stores it and attaches
// the reference to the session.
func (r *Recorder) Stop(ctx context.Context, id domain.SessionID) Outcome {
	rec, ok := r.take(id)
	if !ok {
		return Outcome{Err: domain.ErrNotRecording}
	}
	art := rec.finish()

	data, mediaType, err := Encode(art, r.recipient)
	if err != nil {
		return r.failed(id, err)
	}
	ref, _, err := r.objects.Put(ctx, recordingsNamespace, mediaType, bytes.NewReader(data))
	if err != nil {
		return r.failed(id, err)
	}
	encrypted := r.recipient != nil
	if _, err := r.sessions.SetRecording(ctx, id, ref, encrypted); err != nil {
		if delErr := r.objects.Delete(ctx, ref); delErr != nil {
			log.Warn().Err(delErr).Str("module", "recorder").Str("session", string(id)).Str("ref", ref).Msg("orphaned recording blob")
		}
		return r.failed(id, err)
	}

	log.Info().
		Str("module", "recorder").
		Str("session", string(id)).
		Str("ref", ref).
		Int("chunks", len(art.Chunks)).
		Bool("encrypted", encrypted).
		Bool("truncated", art.Truncated).
		Msg("recording stored")
	return Outcome{Ref: ref, Encrypted: encrypted, Chunks: len(art.Chunks)}
}

func (r *Recorder) failed(id domain.SessionID, cause error) Outcome {
	log.Error().Err(cause).Str("module", "recorder").Str("session", string(id)).Msg("recording upload failed")
	return Outcome{Err: domain.ErrRecordingUploadFailed.With(cause)}
}

// Discard stops capture and drops everything recorded so far.
func (r *Recorder) Discard(id domain.SessionID) bool {
	rec, ok := r.take(id)
	if !ok {
		return false
	}
	art := rec.finish()
	log.Info().Str("module", "recorder").Str("session", string(id)).Int("chunks", len(art.Chunks)).Msg("recording discarded")
	return true
}

// recording is one running capture. Only the capture goroutine touches
// chunks until finished is closed.
type recording struct {
	id        domain.SessionID
	tap       core.MediaTap
	interval  time.Duration
	maxChunks int
	now       func() time.Time
	startedAt time.Time

	chunks    []Chunk
	current   Chunk
	truncated bool

	stopOnce sync.Once
	stop     chan struct{}
	finished chan struct{}
}

func (rec *recording) capture() {
	defer close(rec.finished)
	ticker := time.NewTicker(rec.interval)
	defer ticker.Stop()

	frames := rec.tap.Frames()
	for {
		select {
		case <-rec.stop:
			rec.drain(frames)
			rec.seal()
			return
		case <-ticker.C:
			if !rec.seal() {
				return
			}
		case f, ok := <-frames:
			if !ok {
				rec.seal()
				return
			}
			if !rec.add(f) {
				return
			}
		}
	}
}

// drain keeps frames already buffered in the tap when capture stops.
func (rec *recording) drain(frames <-chan core.MediaFrame) {
	for {
		select {
		case f, ok := <-frames:
			if !ok || !rec.add(f) {
				return
			}
		default:
			return
		}
	}
}

// add appends f to the current chunk. It reports false once the chunk
// limit is reached and capture stops accepting frames.
func (rec *recording) add(f core.MediaFrame) bool {
	if rec.truncated {
		return false
	}
	if len(rec.chunks) >= rec.maxChunks {
		rec.truncate()
		return false
	}
	rec.current.Frames = append(rec.current.Frames, Frame{
		Kind:     f.Kind,
		Offset:   f.At.Sub(rec.current.StartedAt),
		Duration: f.Duration,
		Data:     f.Data,
	})
	return true
}

// seal closes the current chunk. It reports false when the chunk limit
// left no room for it.
func (rec *recording) seal() bool {
	if len(rec.current.Frames) > 0 {
		if len(rec.chunks) >= rec.maxChunks {
			rec.truncate()
			return false
		}
		rec.chunks = append(rec.chunks, rec.current)
	}
	rec.current = Chunk{Seq: len(rec.chunks), StartedAt: rec.now()}
	return true
}

func (rec *recording) truncate() {
	if rec.truncated {
		return
	}
	rec.truncated = true
	rec.current = Chunk{}
	rec.tap.Close()
	log.Warn().Str("module", "recorder").Str("session", string(rec.id)).Int("chunks", len(rec.chunks)).Msg("chunk limit reached, capture stopped")
}

// finish stops capture and returns the artifact built so far.
func (rec *recording) finish() *Artifact {
	rec.stopOnce.Do(func() { close(rec.stop) })
	<-rec.finished
	rec.tap.Close()
	return &Artifact{
		Version:   artifactVersion,
		SessionID: string(rec.id),
		StartedAt: rec.startedAt,
		StoppedAt: rec.now(),
		Chunks:    rec.chunks,
		Truncated: rec.truncated,
	}
}
