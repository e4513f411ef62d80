package chord

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingAdvertiseAndResolve(t *testing.T) {
	r := NewRing()
	ctx := context.Background()

	require.NoError(t, r.Advertise(ctx, []byte("node-a"), []byte("10.0.0.1:1930")))

	addr, err := r.AdvertOf(ctx, []byte("node-a"))
	require.NoError(t, err)
	require.Equal(t, []byte("10.0.0.1:1930"), addr)

	// Re-advertising overwrites the previous address.
	require.NoError(t, r.Advertise(ctx, []byte("node-a"), []byte("10.0.0.2:1930")))
	addr, err = r.AdvertOf(ctx, []byte("node-a"))
	require.NoError(t, err)
	require.Equal(t, []byte("10.0.0.2:1930"), addr)
}

func TestAdvertOfUnknownId(t *testing.T) {
	r := NewRing()
	_, err := r.AdvertOf(context.Background(), []byte("nobody"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJoinMergesEntriesBothWays(t *testing.T) {
	ctx := context.Background()
	a, b := NewRing(), NewRing()
	require.NoError(t, a.Advertise(ctx, []byte("node-a"), []byte("10.0.0.1:1930")))
	require.NoError(t, b.Advertise(ctx, []byte("node-b"), []byte("10.0.0.2:1930")))

	Join(a, b)

	addr, err := a.AdvertOf(ctx, []byte("node-b"))
	require.NoError(t, err)
	require.Equal(t, []byte("10.0.0.2:1930"), addr)

	addr, err = b.AdvertOf(ctx, []byte("node-a"))
	require.NoError(t, err)
	require.Equal(t, []byte("10.0.0.1:1930"), addr)
}

func TestPeerAddressesSortedSnapshot(t *testing.T) {
	ctx := context.Background()
	r := NewRing()
	require.NoError(t, r.Advertise(ctx, []byte("b"), []byte("10.0.0.2:1930")))
	require.NoError(t, r.Advertise(ctx, []byte("a"), []byte("10.0.0.1:1930")))

	addrs, err := r.PeerAddresses(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1:1930", "10.0.0.2:1930"}, addrs)
}
