package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSpanGeneratesTraceID(t *testing.T) {
	_, span := StartSpan(context.Background(), "op", "")
	assert.NotEmpty(t, span.TraceID)

	_, span = StartSpan(context.Background(), "op", "trace-42")
	assert.Equal(t, "trace-42", span.TraceID)
}

func TestChildSpanInheritsTrace(t *testing.T) {
	ctx, root := StartSpan(context.Background(), "parent", "trace-1")
	childCtx, child := StartChildSpan(ctx, "child")

	assert.Equal(t, "trace-1", child.TraceID)
	require.Len(t, root.Children, 1)
	assert.Same(t, child, root.Children[0])
	assert.Same(t, child, SpanFromContext(childCtx))
	assert.Same(t, root, SpanFromContext(ctx))
}

func TestChildSpanWithoutParent(t *testing.T) {
	_, span := StartChildSpan(context.Background(), "orphan")
	assert.NotEmpty(t, span.TraceID)
}

func TestSpanEndAndAttrs(t *testing.T) {
	_, span := StartSpan(context.Background(), "op", "")
	span.SetAttr("entry_id", "abc")
	span.End()

	assert.GreaterOrEqual(t, span.Duration.Nanoseconds(), int64(0))
	assert.Equal(t, "abc", span.Attrs["entry_id"])
}

func TestSpanFromContextEmpty(t *testing.T) {
	assert.Nil(t, SpanFromContext(context.Background()))
}
