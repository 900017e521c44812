package tts

import (
	"context"
	"log/slog"
	"sync"
)

// Fallback tries Secondary once when Primary cannot connect or fails before
// producing any audio.
type Fallback struct {
	Primary   Synthesizer
	Secondary Synthesizer
	Logger    *slog.Logger
}

func (f *Fallback) Synthesize(ctx context.Context, req Request) (Stream, error) {
	primary, err := f.Primary.Synthesize(ctx, req)
	if err != nil {
		if ctx.Err() != nil || f.Secondary == nil {
			return nil, err
		}
		f.warn("primary synthesizer unavailable, using fallback", err)
		return f.Secondary.Synthesize(ctx, req)
	}
	if f.Secondary == nil {
		return primary, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	out := newFrameStream(cancel, 4)
	var mu sync.Mutex
	current := primary
	out.closer = func() error {
		mu.Lock()
		defer mu.Unlock()
		return current.Close()
	}

	go func() {
		yielded, err := relay(ctx, primary, out)
		_ = primary.Close()
		if err == nil || yielded || ctx.Err() != nil {
			out.finish(err)
			return
		}
		f.warn("primary synthesizer failed before audio, using fallback", err)

		secondary, err := f.Secondary.Synthesize(ctx, req)
		if err != nil {
			out.finish(err)
			return
		}
		mu.Lock()
		current = secondary
		mu.Unlock()
		if ctx.Err() != nil {
			_ = secondary.Close()
		}
		_, err = relay(ctx, secondary, out)
		_ = secondary.Close()
		out.finish(err)
	}()
	return out, nil
}

func (f *Fallback) warn(msg string, err error) {
	if f.Logger != nil {
		f.Logger.Warn(msg, slogError(err))
	}
}

// relay copies frames from in to out and reports whether any audio was
// forwarded along with in's terminal error.
func relay(ctx context.Context, in Stream, out *frameStream) (bool, error) {
	yielded := false
	frames := in.Frames()
	for {
		select {
		case <-ctx.Done():
			return yielded, ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return yielded, in.Err()
			}
			if !out.send(ctx, frame) {
				return yielded, ctx.Err()
			}
			yielded = true
		}
	}
}
