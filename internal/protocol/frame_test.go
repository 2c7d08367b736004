package protocol

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadFrameRoundTrip(t *testing.T) {
	cases := map[string]Frame{
		"simple":     Simple("OK"),
		"error":      Err("ERR oops"),
		"integer":    Integer(12345),
		"bulk":       BulkString("hello"),
		"empty bulk": BulkString(""),
		"null":       Null(),
		"empty array": Array([]Frame{}),
		"array": Array([]Frame{
			BulkString("SET"),
			BulkString("key"),
			BulkString("val"),
		}),
	}

	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			w := bufio.NewWriter(&buf)
			require.NoError(t, WriteFrame(w, f))

			got, err := ReadFrame(bufio.NewReader(&buf))
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Equal(t, f, *got)
		})
	}
}

func TestNumOfBytesMatchesEncodedLength(t *testing.T) {
	frames := []Frame{
		Simple("PONG"),
		Err("ERR bad"),
		Integer(9999999999),
		BulkString("value"),
		Null(),
		Array([]Frame{BulkString("GET"), BulkString("k")}),
	}

	for _, f := range frames {
		require.Equal(t, len(Encode(f)), NumOfBytes(f))
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(nil))
	f, err := ReadFrame(r)
	require.NoError(t, err)
	require.Nil(t, f)
}

func TestReadFrameRejectsBareNewline(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("+OK\n")))
	_, err := ReadFrame(r)
	require.Error(t, err)
}

func TestReadFrameEmptyBulkAndArray(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("$0\r\n\r\n")))
	f, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, TypeBulk, f.Type)
	require.Equal(t, []byte{}, f.Bulk)

	r = bufio.NewReader(bytes.NewReader([]byte("*0\r\n")))
	f, err = ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, TypeArray, f.Type)
	require.Len(t, f.Array, 0)
}

func TestAsCommand(t *testing.T) {
	f := Array([]Frame{BulkString("GET"), BulkString("k")})
	args, err := AsCommand(f)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("GET"), []byte("k")}, args)

	_, err = AsCommand(Simple("OK"))
	require.Error(t, err)
}
