package requestcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.Empty(t, ActorID(ctx))

	ctx = WithActorID(WithRequestID(ctx, "req-1"), "owner1")
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Equal(t, "owner1", ActorID(ctx))
}
