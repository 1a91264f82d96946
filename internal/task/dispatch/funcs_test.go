package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuncTableResolve(t *testing.T) {
	ft := NewFuncTable()
	ft.Register("b", func(context.Context, *Emitter) error { return nil })
	ft.Register("a", func(context.Context, *Emitter) error { return nil })
	ft.Register("", func(context.Context, *Emitter) error { return nil })
	ft.Register("nil", nil)

	assert.Equal(t, []string{"a", "b"}, ft.Names())
	require.NoError(t, ft.Resolve("func:a"))
	require.NoError(t, ft.Resolve(" func: b "))
	assert.ErrorIs(t, ft.Resolve("func:c"), ErrUnknownFunc)
	assert.ErrorIs(t, ft.Resolve("/bin/true"), ErrUnknownFunc)
}

func TestEmitterJSON(t *testing.T) {
	ft := NewFuncTable()
	ft.Register("report", func(ctx context.Context, out *Emitter) error {
		return out.JSON(map[string]int{"rows": 42})
	})

	sink := &bufSink{}
	code := ft.Run(context.Background(), "func:report", sink)
	require.Equal(t, 0, code)
	require.Len(t, sink.msgs, 1)

	var got struct {
		Rows int `json:"rows"`
	}
	require.NoError(t, Message{Data: sink.msgs[0]}.Decode(&got))
	assert.Equal(t, 42, got.Rows)
}
