package deltachain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SignalK/signalk-server-sub000/delta"
)

type recorder struct {
	got []*delta.Delta
}

func (r *recorder) dispatch(d *delta.Delta) { r.got = append(r.got, d) }

func tag(name string, trace *[]string) Handler {
	return func(d *delta.Delta, next func(*delta.Delta)) {
		*trace = append(*trace, name)
		next(d)
	}
}

func TestChain_EmptyDispatchesDirectly(t *testing.T) {
	r := &recorder{}
	c := New(r.dispatch)

	d := &delta.Delta{Context: "vessels.self"}
	c.Process(d)

	require.Len(t, r.got, 1)
	assert.Same(t, d, r.got[0])
}

func TestChain_RunsHandlersInOrder(t *testing.T) {
	r := &recorder{}
	c := New(r.dispatch)
	var trace []string

	c.Register(tag("first", &trace))
	c.Register(tag("second", &trace))
	c.Register(func(d *delta.Delta, next func(*delta.Delta)) {
		trace = append(trace, "rewrite")
		next(&delta.Delta{Context: d.Context + ".rewritten"})
	})

	c.Process(&delta.Delta{Context: "vessels.a"})

	assert.Equal(t, []string{"first", "second", "rewrite"}, trace)
	require.Len(t, r.got, 1)
	assert.Equal(t, "vessels.a.rewritten", r.got[0].Context)
}

func TestChain_HandlerCanDrop(t *testing.T) {
	r := &recorder{}
	c := New(r.dispatch)
	var trace []string

	c.Register(func(d *delta.Delta, next func(*delta.Delta)) {
		if d.Context == "vessels.drop" {
			return
		}
		next(d)
	})
	c.Register(tag("after", &trace))

	c.Process(&delta.Delta{Context: "vessels.drop"})
	c.Process(&delta.Delta{Context: "vessels.keep"})

	assert.Equal(t, []string{"after"}, trace)
	require.Len(t, r.got, 1)
	assert.Equal(t, "vessels.keep", r.got[0].Context)
}

func TestChain_Unregister(t *testing.T) {
	r := &recorder{}
	c := New(r.dispatch)
	var trace []string

	c.Register(tag("a", &trace))
	unregisterB := c.Register(tag("b", &trace))
	c.Register(tag("c", &trace))

	unregisterB()
	unregisterB()
	assert.Equal(t, 2, c.Len())

	c.Process(&delta.Delta{})
	assert.Equal(t, []string{"a", "c"}, trace)
	assert.Len(t, r.got, 1)
}

func TestChain_UnregisterDuringProcess(t *testing.T) {
	r := &recorder{}
	c := New(r.dispatch)
	var trace []string

	var unregister func()
	unregister = c.Register(func(d *delta.Delta, next func(*delta.Delta)) {
		trace = append(trace, "once")
		unregister()
		next(d)
	})
	c.Register(tag("tail", &trace))

	c.Process(&delta.Delta{})
	c.Process(&delta.Delta{})

	assert.Equal(t, []string{"once", "tail", "tail"}, trace)
	assert.Len(t, r.got, 2)
}

func TestChain_NilDeltaIgnored(t *testing.T) {
	r := &recorder{}
	c := New(r.dispatch)
	c.Process(nil)
	assert.Empty(t, r.got)
}
