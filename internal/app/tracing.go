package app

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type TracingConfig struct {
	Enabled     bool              `json:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty"`
	URLPath     string            `json:"url_path,omitempty"`
	Compression string            `json:"compression,omitempty"`
	Timeout     duration          `json:"timeout,omitempty"`
	Insecure    bool              `json:"insecure,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	SampleRatio float64           `json:"sample_ratio"`

	TLSCAFile             string `json:"tls_ca_file,omitempty"`
	TLSCertFile           string `json:"tls_cert_file,omitempty"`
	TLSKeyFile            string `json:"tls_key_file,omitempty"`
	TLSServerName         string `json:"tls_server_name,omitempty"`
	TLSInsecureSkipVerify bool   `json:"tls_insecure_skip_verify,omitempty"`
}

func (t TracingConfig) validate() error {
	switch strings.ToLower(t.Compression) {
	case "", "gzip", "none":
	default:
		return fmt.Errorf("config: tracing.compression %q (use: gzip|none)", t.Compression)
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		return fmt.Errorf("config: tracing.sample_ratio %v out of [0,1]", t.SampleRatio)
	}
	if (t.TLSCertFile == "") != (t.TLSKeyFile == "") {
		return fmt.Errorf("config: tracing.tls_cert_file and tls_key_file must be set together")
	}
	return nil
}

// initTracing installs the global tracer provider. When tracing is
// disabled a no-op provider is returned and nothing is exported.
func initTracing(ctx context.Context, obs TracingConfig, onError func(error)) (trace.TracerProvider, func(context.Context) error, error) {
	if !obs.Enabled {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	opts := make([]otlptracehttp.Option, 0, 8)
	if obs.Endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpointURL(obs.Endpoint))
	}
	if obs.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(obs.URLPath))
	}
	if strings.EqualFold(obs.Compression, "none") {
		opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.NoCompression))
	} else {
		opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
	}
	if obs.Timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(obs.Timeout.std()))
	}
	if len(obs.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(obs.Headers))
	}
	if obs.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	tlsCfg, err := buildTracingTLSConfig(obs)
	if err != nil {
		return nil, nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsCfg))
	}

	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("workq"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(obs.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	if onError != nil {
		otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
			onError(err)
		}))
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, tp.Shutdown, nil
}

func wrapTracingHandler(tp trace.TracerProvider, name string, h http.Handler) http.Handler {
	if tp == nil {
		return h
	}
	return otelhttp.NewHandler(h, name, otelhttp.WithTracerProvider(tp))
}

func buildTracingTLSConfig(obs TracingConfig) (*tls.Config, error) {
	hasTLS := obs.TLSCAFile != "" ||
		obs.TLSCertFile != "" ||
		obs.TLSServerName != "" ||
		obs.TLSInsecureSkipVerify
	if !hasTLS {
		return nil, nil
	}

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: obs.TLSInsecureSkipVerify,
		ServerName:         obs.TLSServerName,
	}

	if obs.TLSCAFile != "" {
		caPEM, err := os.ReadFile(obs.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read tracing tls_ca_file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("parse tracing tls_ca_file: no certificates found")
		}
		tlsCfg.RootCAs = pool
	}

	if obs.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(obs.TLSCertFile, obs.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load tracing client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}
