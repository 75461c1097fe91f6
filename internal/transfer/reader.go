package transfer

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// readerContext is a context-aware io.Reader wrapper that also applies an optional bandwidth limit.
type readerContext struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (r *readerContext) Read(p []byte) (n int, err error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if r.limiter != nil && len(p) > r.limiter.Burst() {
		p = p[:r.limiter.Burst()]
	}
	n, err = r.r.Read(p)
	if n > 0 && r.limiter != nil {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func newLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(bytesPerSecond)
	if burst < copyBufferSize {
		burst = copyBufferSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}
