package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/peercall/internal/util"
)

// Acquire obtains the local stream for a call. Audio is always requested.
// When video was requested but cannot be captured, Acquire retries
// audio-only and reports degraded=true instead of an error.
func Acquire(ctx context.Context, devices Devices, withVideo bool) (stream *Stream, degraded bool, err error) {
	if withVideo {
		stream, err = devices.GetUserMedia(ctx, Constraints{Audio: true, Video: true})
		if err == nil {
			return stream, false, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		util.LogWarning("video capture failed, falling back to audio only: %v", err)
		degraded = true
	}

	stream, err = devices.GetUserMedia(ctx, Constraints{Audio: true})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("could not access microphone: %w", err)
	}
	return stream, degraded, nil
}
