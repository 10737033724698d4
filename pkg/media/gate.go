package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Wraps a local track so that it can be muted: the track stays negotiated (no renegotiation when
// toggling), but nothing is written to the wire while it is disabled.
type gatedTrack struct {
	webrtc.TrackLocal
	enabled atomic.Bool

	mutex    sync.Mutex
	bindings map[string]webrtc.TrackLocalContext
}

func newGatedTrack(track webrtc.TrackLocal) *gatedTrack {
	gate := &gatedTrack{
		TrackLocal: track,
		bindings:   make(map[string]webrtc.TrackLocalContext),
	}
	gate.enabled.Store(true)

	return gate
}

func (g *gatedTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	gated := &gatedContext{TrackLocalContext: ctx, enabled: &g.enabled}

	g.mutex.Lock()
	g.bindings[ctx.ID()] = gated
	g.mutex.Unlock()

	return g.TrackLocal.Bind(gated)
}

func (g *gatedTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	g.mutex.Lock()
	gated, ok := g.bindings[ctx.ID()]
	delete(g.bindings, ctx.ID())
	g.mutex.Unlock()

	if !ok {
		return g.TrackLocal.Unbind(ctx)
	}

	return g.TrackLocal.Unbind(gated)
}

type gatedContext struct {
	webrtc.TrackLocalContext
	enabled *atomic.Bool
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return &gatedWriter{TrackLocalWriter: c.TrackLocalContext.WriteStream(), enabled: c.enabled}
}

// Swallows the packets while the track is disabled, pretending they were written.
type gatedWriter struct {
	webrtc.TrackLocalWriter
	enabled *atomic.Bool
}

func (w *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.enabled.Load() {
		return header.MarshalSize() + len(payload), nil
	}

	return w.TrackLocalWriter.WriteRTP(header, payload)
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	if !w.enabled.Load() {
		return len(b), nil
	}

	return w.TrackLocalWriter.Write(b)
}
