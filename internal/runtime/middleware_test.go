package runtime

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	configpkg "github.com/drblury/corrflow/internal/runtime/config"
	idspkg "github.com/drblury/corrflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/corrflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/corrflow/internal/runtime/metadata"
	"github.com/drblury/corrflow/transport/transporttest"
)

// newRouterService returns a bare Service with a router, enough to build and
// register middlewares.
func newRouterService(t *testing.T, conf *configpkg.Config) *Service {
	t.Helper()
	logger := newTestLogger()
	router, err := message.NewRouter(message.RouterConfig{}, loggingpkg.NewWatermillAdapter(logger))
	require.NoError(t, err)
	return &Service{
		Conf:      conf,
		Logger:    logger,
		router:    router,
		publisher: &transporttest.Publisher{},
		deps:      ServiceDependencies{Registerer: prometheus.NewRegistry()},
	}
}

func TestCorrelationIDMiddleware(t *testing.T) {
	t.Parallel()

	mw := correlationIDMiddleware()

	t.Run("adds missing id", func(t *testing.T) {
		msg := message.NewMessage(idspkg.New(), nil)
		called := false
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			called = true
			assert.NotEmpty(t, metadatapkg.CorrelationID(m))
			return nil, nil
		})(msg)
		require.NoError(t, err)
		assert.True(t, called)
	})

	t.Run("keeps existing id", func(t *testing.T) {
		msg := message.NewMessage(idspkg.New(), nil)
		middleware.SetCorrelationID("fixed", msg)
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			assert.Equal(t, "fixed", metadatapkg.CorrelationID(m))
			return nil, nil
		})(msg)
		require.NoError(t, err)
	})
}

type recordingServiceLogger struct {
	infos  int
	debugs int
}

func (r *recordingServiceLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger { return r }

func (r *recordingServiceLogger) Debug(string, loggingpkg.LogFields) { r.debugs++ }

func (r *recordingServiceLogger) Info(string, loggingpkg.LogFields) { r.infos++ }

func (r *recordingServiceLogger) Error(string, error, loggingpkg.LogFields) {}

func (r *recordingServiceLogger) Trace(string, loggingpkg.LogFields) {}

func TestLogMessagesMiddleware(t *testing.T) {
	t.Parallel()

	logger := &recordingServiceLogger{}
	mw := logMessagesMiddleware(logger)
	msg := message.NewMessage(idspkg.New(), []byte(`{"src":"A"}`))
	_, err := mw(func(m *message.Message) ([]*message.Message, error) { return nil, nil })(msg)
	require.NoError(t, err)
	assert.Equal(t, 1, logger.debugs)

	svc := &Service{}
	_, err = LogMessagesMiddleware(nil).Builder(svc)
	assert.EqualError(t, err, "log messages middleware requires a logger")
}

func TestRetryMiddleware(t *testing.T) {
	t.Parallel()

	cfg := RetryMiddlewareConfig{MaxRetries: 3, InitialInterval: 1, MaxInterval: 1}.withDefaults()
	mw := retryMiddleware(cfg)

	t.Run("retries transient errors", func(t *testing.T) {
		attempts := 0
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("retry")
			}
			return nil, nil
		})(message.NewMessage(idspkg.New(), nil))
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up on unprocessable events", func(t *testing.T) {
		attempts := 0
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			attempts++
			return nil, &UnprocessableEventError{eventMessage: "x", err: errors.New("bad json")}
		})(message.NewMessage(idspkg.New(), nil))
		var unprocessable *UnprocessableEventError
		require.ErrorAs(t, err, &unprocessable)
		assert.Equal(t, 1, attempts)
	})
}

func TestRetryMiddlewareConfigDefaults(t *testing.T) {
	cfg := RetryMiddlewareConfig{}.withDefaults()
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.NotZero(t, cfg.InitialInterval)
	assert.Greater(t, cfg.MaxInterval, cfg.InitialInterval)
	assert.NotNil(t, cfg.RetryIf)
}

func TestTracerMiddleware(t *testing.T) {
	t.Parallel()

	mw := tracerMiddleware(noop.NewTracerProvider().Tracer("test"))
	msg := message.NewMessage(idspkg.New(), nil)
	msg.SetContext(context.Background())

	var observed trace.Span
	_, err := mw(func(m *message.Message) ([]*message.Message, error) {
		observed = trace.SpanFromContext(m.Context())
		return nil, errors.New("handler failed")
	})(msg)
	assert.EqualError(t, err, "handler failed")
	assert.NotNil(t, observed)
}

func TestPoisonQueueMiddleware(t *testing.T) {
	t.Run("skipped without a poison queue", func(t *testing.T) {
		svc := newRouterService(t, &configpkg.Config{})
		mw, err := PoisonQueueMiddleware(nil).Builder(svc)
		require.NoError(t, err)
		assert.Nil(t, mw)
	})

	t.Run("requires a publisher", func(t *testing.T) {
		svc := newRouterService(t, &configpkg.Config{PoisonQueue: "poison"})
		svc.publisher = nil
		_, err := PoisonQueueMiddleware(nil).Builder(svc)
		assert.Error(t, err)
	})

	t.Run("default filter diverts unprocessable events only", func(t *testing.T) {
		svc := newRouterService(t, &configpkg.Config{PoisonQueue: "poison"})
		pub := svc.publisher.(*transporttest.Publisher)

		mw, err := PoisonQueueMiddleware(nil).Builder(svc)
		require.NoError(t, err)
		require.NotNil(t, mw)

		msg := message.NewMessage(idspkg.New(), []byte("not json"))
		_, err = mw(func(*message.Message) ([]*message.Message, error) {
			return nil, &UnprocessableEventError{eventMessage: "not json", err: errors.New("bad")}
		})(msg)
		require.NoError(t, err)

		published := pub.Messages()
		require.Len(t, published, 1)
		assert.Equal(t, "poison", published[0].Topic)
		assert.Contains(t, published[0].Message.Metadata.Get(middleware.ReasonForPoisonedKey), "unprocessable event")

		_, err = mw(func(*message.Message) ([]*message.Message, error) {
			return nil, errors.New("transient")
		})(msg)
		assert.EqualError(t, err, "transient")
		assert.Len(t, pub.Messages(), 1)
	})

	t.Run("custom filter", func(t *testing.T) {
		svc := newRouterService(t, &configpkg.Config{PoisonQueue: "poison"})
		pub := svc.publisher.(*transporttest.Publisher)

		mw, err := PoisonQueueMiddleware(func(error) bool { return true }).Builder(svc)
		require.NoError(t, err)
		_, err = mw(func(*message.Message) ([]*message.Message, error) {
			return nil, errors.New("anything")
		})(message.NewMessage(idspkg.New(), nil))
		require.NoError(t, err)
		assert.Len(t, pub.Messages(), 1)
	})
}

func TestRegisterMiddlewareValidations(t *testing.T) {
	t.Parallel()

	t.Run("requires router", func(t *testing.T) {
		svc := &Service{}
		err := svc.RegisterMiddleware(MiddlewareRegistration{
			Middleware: func(h message.HandlerFunc) message.HandlerFunc { return h },
		})
		assert.EqualError(t, err, "router is not initialised")
	})

	t.Run("requires middleware or builder", func(t *testing.T) {
		svc := newRouterService(t, &configpkg.Config{})
		assert.EqualError(t, svc.RegisterMiddleware(MiddlewareRegistration{Name: "empty"}),
			"middleware registration requires Middleware or Builder")
	})

	t.Run("invokes builder", func(t *testing.T) {
		svc := newRouterService(t, &configpkg.Config{})
		invoked := false
		err := svc.RegisterMiddleware(MiddlewareRegistration{
			Builder: func(s *Service) (message.HandlerMiddleware, error) {
				invoked = true
				assert.Same(t, svc, s)
				return func(h message.HandlerFunc) message.HandlerFunc { return h }, nil
			},
		})
		require.NoError(t, err)
		assert.True(t, invoked)
	})

	t.Run("handles builder error", func(t *testing.T) {
		svc := newRouterService(t, &configpkg.Config{})
		err := svc.RegisterMiddleware(MiddlewareRegistration{
			Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, errors.New("builder failed") },
		})
		assert.EqualError(t, err, "builder failed")
	})

	t.Run("accepts nil middleware from builder", func(t *testing.T) {
		svc := newRouterService(t, &configpkg.Config{})
		err := svc.RegisterMiddleware(MiddlewareRegistration{
			Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, nil },
		})
		assert.NoError(t, err)
	})
}

func TestDefaultMiddlewaresOrder(t *testing.T) {
	var names []string
	for _, reg := range DefaultMiddlewares() {
		names = append(names, reg.Name)
	}
	assert.Equal(t, []string{
		"correlation_id",
		"log_messages",
		"tracer",
		"metrics",
		"retry",
		"poison_queue",
		"recoverer",
	}, names)
}

func getFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func TestMetricsMiddleware(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		svc := newRouterService(t, &configpkg.Config{})
		mw, err := MetricsMiddleware().Builder(svc)
		require.NoError(t, err)
		assert.Nil(t, mw)
		assert.Empty(t, svc.httpServers)
	})

	t.Run("enabled exposes the metrics endpoint", func(t *testing.T) {
		port, err := getFreePort()
		require.NoError(t, err)

		svc := newRouterService(t, &configpkg.Config{MetricsEnabled: true, MetricsPort: port})
		mw, err := MetricsMiddleware().Builder(svc)
		require.NoError(t, err)
		assert.Nil(t, mw, "router metrics are installed on the router directly")
		assert.Contains(t, svc.httpServers, port)
	})
}
