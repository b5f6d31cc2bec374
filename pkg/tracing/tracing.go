package tracing

import (
	"context"
	"fmt"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	jCfg "github.com/uber/jaeger-client-go/config"
	"github.com/uber/jaeger-lib/metrics"

	"trade_guard/pkg/logger"
)

var serviceName = "default"

func SetServiceName(newName string) string {
	oldName := serviceName
	serviceName = newName

	return oldName
}

// Config: адрес jaeger-агента. Пустой Host = трейсинг выключен.
type Config struct {
	Host string
	Port int
}

func (c Config) Enabled() bool { return c.Host != "" }

// InitTracer ставит глобальный jaeger-трейсер. Без хоста остаётся NoopTracer,
// а Start/Finish продолжают работать вхолостую.
func InitTracer(conf Config) (opentracing.Tracer, func(), error) {
	if !conf.Enabled() {
		return opentracing.GlobalTracer(), func() {}, nil
	}
	cfg := &jCfg.Configuration{
		ServiceName: serviceName,
		Sampler:     &jCfg.SamplerConfig{Type: "const", Param: 1},
		Reporter: &jCfg.ReporterConfig{
			LocalAgentHostPort: fmt.Sprintf("%s:%d", conf.Host, conf.Port),
		},
	}
	tracer, closer, err := cfg.NewTracer(jCfg.Metrics(metrics.NullFactory))
	if err != nil {
		return nil, nil, err
	}

	opentracing.SetGlobalTracer(tracer)
	return tracer, func() {
		if err := closer.Close(); err != nil {
			logger.Error("jaeger close: %v", err)
		}
	}, nil
}

// Start открывает дочерний спан. kv - пары тегов ключ/значение, нечётный хвост игнорируется.
func Start(ctx context.Context, op string, kv ...any) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(ctx, op)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			span.SetTag(k, kv[i+1])
		}
	}
	return span, ctx
}

// Finish закрывает спан и помечает его ошибкой, если она есть.
func Finish(span opentracing.Span, err error) {
	if err != nil {
		ext.Error.Set(span, true)
		span.LogKV("event", "error", "message", err.Error())
	}
	span.Finish()
}
