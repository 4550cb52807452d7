package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type record struct {
	ID      string     `cbor:"id"`
	Read    bool       `cbor:"read"`
	At      time.Time  `cbor:"at"`
	Pointer *time.Time `cbor:"pointer,omitempty"`
}

func TestMarshal_PreservesNanoseconds(t *testing.T) {
	req := require.New(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	in := record{ID: "m1", Read: true, At: at}

	data, err := Marshal(in)
	req.NoError(err)

	var out record
	req.NoError(Unmarshal(data, &out))
	req.Equal(in.ID, out.ID)
	req.True(out.Read)
	req.True(at.Equal(out.At))
	req.Nil(out.Pointer)
}

func TestMarshal_Deterministic(t *testing.T) {
	req := require.New(t)
	a, err := Marshal(map[string]int{"b": 2, "a": 1})
	req.NoError(err)
	b, err := Marshal(map[string]int{"a": 1, "b": 2})
	req.NoError(err)
	req.Equal(a, b)
}
