package dashsync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, classifyStatus(404, "x").Kind, ErrorKindNotFound)
	assert.Equal(t, classifyStatus(408, "x").Kind, ErrorKindTimeout)
	assert.Equal(t, classifyStatus(409, "x").Kind, ErrorKindConflict)
	assert.Equal(t, classifyStatus(502, "x").Kind, ErrorKindUnavailable)
	assert.Equal(t, classifyStatus(503, "x").Kind, ErrorKindUnavailable)
	assert.Equal(t, classifyStatus(504, "x").Kind, ErrorKindUnavailable)
	assert.Equal(t, classifyStatus(500, "x").Kind, ErrorKindUnknown)
	assert.Equal(t, classifyStatus(404, "missing").StatusCode, 404)
}

func TestClassifyTransport(t *testing.T) {
	assert.Equal(t, classifyTransport(context.Canceled).Kind, ErrorKindCancelled)
	assert.Equal(t, classifyTransport(context.DeadlineExceeded).Kind, ErrorKindTimeout)
	assert.Equal(t, classifyTransport(errors.New("connection refused")).Kind, ErrorKindNetwork)
	assert.Equal(t, classifyTransport(fmt.Errorf("do: %w", context.Canceled)).Kind, ErrorKindCancelled)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindOf(NewRequestError(ErrorKindConflict, "duplicate")), ErrorKindConflict)
	assert.Equal(t, KindOf(fmt.Errorf("fetch: %w", classifyStatus(404, "missing"))), ErrorKindNotFound)
	assert.Equal(t, KindOf(context.Canceled), ErrorKindCancelled)
	assert.Equal(t, KindOf(context.DeadlineExceeded), ErrorKindTimeout)
	assert.Equal(t, KindOf(errors.New("other")), ErrorKindUnknown)
}

// equal failures must read equally everywhere, so each kind keeps a
// distinct non empty message
func TestUserMessagesDistinct(t *testing.T) {
	kinds := []ErrorKind{
		ErrorKindUnknown,
		ErrorKindCancelled,
		ErrorKindNotFound,
		ErrorKindUnavailable,
		ErrorKindTimeout,
		ErrorKindConflict,
		ErrorKindNegotiationFailed,
		ErrorKindNetwork,
	}
	seen := map[string]ErrorKind{}
	for _, kind := range kinds {
		message := kind.UserMessage()
		assert.NotEqual(t, message, "")
		if existing, ok := seen[message]; ok {
			t.Fatalf("kinds %s and %s share a message", existing, kind)
		}
		seen[message] = kind
	}
}
