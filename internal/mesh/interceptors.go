package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"connectrpc.com/connect"
)

// ErrPanicRecovered indicates a mesh procedure panicked and was recovered.
var ErrPanicRecovered = errors.New("panic recovered in mesh procedure")

// LoggingInterceptor returns a unary interceptor that logs every mesh call
// with procedure, duration, and error.
//
// The forward path is hot (one call per cross-process request), so
// successful calls log at Debug; failures log at Warn.
func LoggingInterceptor(logger *slog.Logger) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			duration := time.Since(start)

			attrs := []slog.Attr{
				slog.String("procedure", req.Spec().Procedure),
				slog.Duration("duration", duration),
			}

			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelWarn, "mesh call failed", attrs...)
			} else {
				logger.LogAttrs(ctx, slog.LevelDebug, "mesh call completed", attrs...)
			}

			return resp, err
		}
	}
}

// RecoveryInterceptor returns a unary interceptor that recovers panics in
// mesh procedures. User handlers run underneath the forward procedure, so
// this is the process-level safety net for handler panics: the panic value
// and stack are logged at Error level and the caller sees CodeInternal.
func RecoveryInterceptor(logger *slog.Logger) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (resp connect.AnyResponse, retErr error) {
			defer func() {
				if r := recover(); r != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)

					logger.ErrorContext(ctx, "panic recovered in mesh procedure",
						slog.String("procedure", req.Spec().Procedure),
						slog.Any("panic", r),
						slog.String("stack", string(buf[:n])),
					)

					retErr = connect.NewError(connect.CodeInternal,
						fmt.Errorf("%s: %w", req.Spec().Procedure, ErrPanicRecovered))
				}
			}()

			return next(ctx, req)
		}
	}
}
