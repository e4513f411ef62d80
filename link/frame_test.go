package link

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spider-net/spider/identity"
	"github.com/spider-net/spider/wire"
)

// chunkedReader hands out its payload a few bytes at a time, forcing the
// frame reader to hit partial-frame boundaries mid-object.
type chunkedReader struct {
	data  []byte
	chunk int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.chunk
	if n > len(c.data) {
		n = len(c.data)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func encodeFrames(t *testing.T, frames ...wire.Frame) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		b, err := json.Marshal(f)
		require.NoError(t, err)
		buf.Write(b)
	}
	return buf.Bytes()
}

func TestFrameReaderConcatenatedFrames(t *testing.T) {
	data := encodeFrames(t, wire.Frame{Data: []byte("one")}, wire.Frame{Data: []byte("two")})
	fr := newFrameReader(bytes.NewReader(data), testLogger())

	f1, err := fr.next()
	require.NoError(t, err)
	require.Equal(t, []byte("one"), f1.Data)

	f2, err := fr.next()
	require.NoError(t, err)
	require.Equal(t, []byte("two"), f2.Data)

	_, err = fr.next()
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderSurvivesPartialDelivery(t *testing.T) {
	data := encodeFrames(t, wire.Frame{Data: bytes.Repeat([]byte{0xAB}, 300)})
	fr := newFrameReader(&chunkedReader{data: data, chunk: 7}, testLogger())

	f, err := fr.next()
	require.NoError(t, err)
	require.Len(t, f.Data, 300)
}

func TestFrameReaderSkipsGarbageBytes(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("!!??")
	buf.Write(encodeFrames(t, wire.Frame{Data: []byte("ok")}))

	fr := newFrameReader(&buf, testLogger())
	f, err := fr.next()
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), f.Data)
}

func TestKeyRequestServedWhenBroadcasting(t *testing.T) {
	base, err := identity.NewSelfRelation(identity.RolePeer)
	require.NoError(t, err)

	addr := "127.0.0.1:19321"
	_, bn, err := Listen(context.Background(), addr, base, testLogger())
	require.NoError(t, err)
	bn.Set("mybase")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := KeyRequest(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, "mybase", reply.Name)

	baseId, err := base.NodeId()
	require.NoError(t, err)
	require.Equal(t, baseId.Bytes(), reply.Key)
}

func TestKeyRequestSilentWithoutBroadcastName(t *testing.T) {
	base, err := identity.NewSelfRelation(identity.RolePeer)
	require.NoError(t, err)

	addr := "127.0.0.1:19322"
	_, _, err = Listen(context.Background(), addr, base, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = KeyRequest(ctx, addr)
	require.Error(t, err, "socket closes with no reply frame")
}
