package proto

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaymesh/internal/testutil"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("first")))
	require.NoError(t, WriteFrame(&buf, bytes.Repeat([]byte{7}, 300)))

	r := bufio.NewReader(&buf)
	got, err := ReadFrame(r, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
	got, err = ReadFrame(r, 0)
	require.NoError(t, err)
	assert.Len(t, got, 300)

	_, err = ReadFrame(r, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 64)))
	_, err := ReadFrame(bufio.NewReader(&buf), 16)
	assert.Error(t, err)

	_, err = EncodeFrame(nil)
	assert.Error(t, err)
}

func FuzzDecodeMessage(f *testing.F) {
	seed, _ := Encode(&BlocksLinkMsg{Hashes: []Hash{{1}}})
	f.Add(seed)
	f.Add([]byte{byte(MsgBroadcastCluesResult), 0x0a, 0x02, 0x22, 0x00})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			m, err := Decode(data)
			if err == nil {
				_, _ = Encode(m)
			}
		})
	})
}

func FuzzReadFrame(f *testing.F) {
	f.Add([]byte{0x01, 'x'})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff, 0x0f})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			_, _ = ReadFrame(bufio.NewReader(bytes.NewReader(data)), 1<<16)
		})
	})
}
