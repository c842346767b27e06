package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const scopePrefix = "github.com/d9705996/oncall/internal/"

// Span attribute keys shared by the ingest, escalation and notification
// paths, so one alert group can be followed across traces.
const (
	AlertGroupIDKey       = attribute.Key("oncall.alert_group.id")
	ChannelIDKey          = attribute.Key("oncall.channel.id")
	UserIDKey             = attribute.Key("oncall.user.id")
	CreatedKey            = attribute.Key("oncall.alert_group.created")
	ImportantKey          = attribute.Key("oncall.notification.important")
	NotificationRecordKey = attribute.Key("oncall.notification.log_record.id")
	BundleIDKey           = attribute.Key("oncall.notification.bundle.id")
)

// Tracer returns the tracer of an internal package, e.g. Tracer("escalation").
func Tracer(pkg string) trace.Tracer {
	return otel.Tracer(scopePrefix + pkg)
}

// AlertGroupSpan starts a span about one alert group.
func AlertGroupSpan(ctx context.Context, tracer trace.Tracer, name, alertGroupID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{AlertGroupIDKey.String(alertGroupID)}, attrs...)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail records err on span and marks it failed. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
