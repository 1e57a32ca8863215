// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope for engine spans.
const tracerName = "github.com/tombee/grinder"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartStage opens a span around one pipeline stage execution. The
// returned end function records the error (if any) and closes the span.
func StartStage(ctx context.Context, stage, taskID string, problemID int64) (context.Context, func(error)) {
	ctx, span := tracer().Start(ctx, "stage."+stage,
		trace.WithAttributes(
			attribute.String("grinder.stage", stage),
			attribute.String("grinder.task_id", taskID),
			attribute.Int64("grinder.problem_id", problemID),
		),
	)
	return ctx, func(err error) { endSpan(span, err) }
}

// StartLLM opens a span around one provider call.
func StartLLM(ctx context.Context, provider, endpoint string) (context.Context, func(error)) {
	ctx, span := tracer().Start(ctx, "llm."+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("grinder.provider", provider),
			attribute.String("grinder.endpoint", endpoint),
		),
	)
	return ctx, func(err error) { endSpan(span, err) }
}

// StartAdapter opens a span around one judge adapter call.
func StartAdapter(ctx context.Context, adapter, op string) (context.Context, func(error)) {
	ctx, span := tracer().Start(ctx, "adapter."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("grinder.adapter", adapter),
			attribute.String("grinder.op", op),
		),
	)
	return ctx, func(err error) { endSpan(span, err) }
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
