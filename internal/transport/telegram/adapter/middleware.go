package adapter

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	kit "fxalert/internal/transport"
	logx "fxalert/pkg/logx"
)

type Middleware func(next kit.CommandHandler) kit.CommandHandler

// Chain wraps h so that m[0] runs outermost.
func Chain(h kit.CommandHandler, m ...Middleware) kit.CommandHandler {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next kit.CommandHandler) kit.CommandHandler {
		return func(ctx context.Context, cmd kit.Command) (string, error) {
			if d <= 0 {
				return next(ctx, cmd)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, cmd)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next kit.CommandHandler) kit.CommandHandler {
		return func(ctx context.Context, cmd kit.Command) (reply string, err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered",
						logx.String("cmd", cmd.Name),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					reply, err = "", fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, cmd)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next kit.CommandHandler) kit.CommandHandler {
		return func(ctx context.Context, cmd kit.Command) (string, error) {
			start := time.Now()
			reply, err := next(ctx, cmd)
			d := time.Since(start)

			fields := []logx.Field{
				logx.String("cmd", cmd.Name),
				logx.Int64("chat_id", cmd.ChatID),
				logx.Int64("from_id", cmd.FromID),
				logx.Duration("dur", d),
			}
			switch {
			case err != nil:
				log.Warn("command failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				log.Info("command ok", fields...)
			default:
				log.Debug("command ok", fields...)
			}
			return reply, err
		}
	}
}
