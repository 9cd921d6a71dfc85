// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package persist

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/mbeema/liveprof/pkg/profile"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

// OTLPConfig configures the OTLP logs sink.
type OTLPConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	Compression string        `yaml:"compression"` // "gzip" (default) or "none"
	Timeout     time.Duration `yaml:"timeout"`
}

// otlpSink ships each record as one OTLP log record whose body is the
// encoded aggregate.
type otlpSink struct {
	endpoint       string
	timeout        time.Duration
	serviceVersion string
	codecName      string

	conn   *grpc.ClientConn
	logSvc collogspb.LogsServiceClient
}

func newOTLPSink(cfg *OTLPConfig, serviceVersion, codecName string) (*otlpSink, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: otlp mode requires an endpoint", ErrConfiguration)
	}

	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}
	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	conn, err := grpc.Dial(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dial OTLP endpoint %s: %w", ErrConfiguration, cfg.Endpoint, err)
	}

	return &otlpSink{
		endpoint:       cfg.Endpoint,
		timeout:        cfg.Timeout,
		serviceVersion: serviceVersion,
		codecName:      codecName,
		conn:           conn,
		logSvc:         collogspb.NewLogsServiceClient(conn),
	}, nil
}

func (s *otlpSink) Name() string { return "otlp" }

func (s *otlpSink) Save(ctx context.Context, rec *profile.Record, payload []byte) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: s.resource(rec.App),
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      &commonpb.InstrumentationScope{Name: "liveprof", Version: "0.1.0"},
				LogRecords: []*logspb.LogRecord{s.logRecord(rec, payload)},
			}},
		}},
	}

	resp, err := s.logSvc.Export(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: export to %s: %w", ErrPersistence, s.endpoint, err)
	}
	if ps := resp.GetPartialSuccess(); ps.GetRejectedLogRecords() > 0 {
		return fmt.Errorf("%w: collector rejected record: %s", ErrPersistence, ps.GetErrorMessage())
	}
	return nil
}

func (s *otlpSink) logRecord(rec *profile.Record, payload []byte) *logspb.LogRecord {
	ts := time.Now()
	if parsed, err := time.ParseInLocation(profile.DateTimeLayout, rec.DateTime, time.Local); err == nil {
		ts = parsed
	}
	return &logspb.LogRecord{
		TimeUnixNano:         uint64(ts.UnixNano()),
		ObservedTimeUnixNano: uint64(time.Now().UnixNano()),
		SeverityNumber:       logspb.SeverityNumber_SEVERITY_NUMBER_INFO,
		SeverityText:         "INFO",
		Body: &commonpb.AnyValue{
			Value: &commonpb.AnyValue_BytesValue{BytesValue: payload},
		},
		Attributes: []*commonpb.KeyValue{
			strAttr("profile.app", rec.App),
			strAttr("profile.label", rec.Label),
			strAttr("profile.datetime", rec.DateTime),
			strAttr("profile.codec", s.codecName),
			intAttr("profile.entries", int64(len(rec.Payload))),
		},
	}
}

func (s *otlpSink) resource(app string) *resourcepb.Resource {
	hostname, _ := os.Hostname()
	pid := os.Getpid()

	attrs := []*commonpb.KeyValue{
		strAttr("service.name", app),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, pid)),
		strAttr("telemetry.sdk.name", "liveprof"),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		intAttr("process.pid", int64(pid)),
	}
	if s.serviceVersion != "" {
		attrs = append(attrs, strAttr("service.version", s.serviceVersion))
	}
	return &resourcepb.Resource{Attributes: attrs}
}

func (s *otlpSink) Close() error {
	return s.conn.Close()
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}
