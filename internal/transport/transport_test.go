package transport_test

import (
	"context"
	"testing"

	cerrors "github.com/devrev/paircache/internal/errors"
	"github.com/devrev/paircache/internal/model"
	"github.com/devrev/paircache/internal/server"
	"github.com/devrev/paircache/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ transport.NodeClient = (*server.Node)(nil)

func TestLoopback_ForwardsAndGoesDown(t *testing.T) {
	node, err := server.NewNode(server.Config{NodeID: "a"}, server.Deps{})
	require.NoError(t, err)
	defer node.Close()

	lb := transport.NewLoopback("a", node)
	ctx := context.Background()

	_, err = lb.Execute(ctx, &model.Operation{Type: model.OperationTypePut, Key: "k", Value: []byte("v")})
	require.NoError(t, err)
	v, ok, err := lb.Get(ctx, "", "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	lb.SetDown(true)
	_, _, err = lb.Get(ctx, "", "k")
	assert.Equal(t, cerrors.ErrCodeUnavailable, cerrors.GetCode(err))
	_, err = lb.Status(ctx)
	assert.Equal(t, cerrors.ErrCodeUnavailable, cerrors.GetCode(err))

	lb.SetDown(false)
	st, err := lb.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RoleActive, st.Role)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = lb.Status(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}
