package subscription

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SignalK/signalk-server-sub000/delta"
	"github.com/SignalK/signalk-server-sub000/deltacache"
	"github.com/SignalK/signalk-server-sub000/document"
	"github.com/SignalK/signalk-server-sub000/errors"
	"github.com/SignalK/signalk-server-sub000/metric"
	"github.com/SignalK/signalk-server-sub000/streambundle"
)

const (
	selfID  = "urn:mrn:signalk:uuid:self"
	selfCtx = "vessels." + selfID
)

type recorder struct {
	mu     sync.Mutex
	deltas []*delta.Delta
	errs   []string
}

func (r *recorder) onDelta(d *delta.Delta) {
	r.mu.Lock()
	r.deltas = append(r.deltas, d)
	r.mu.Unlock()
}

func (r *recorder) onError(msg string) {
	r.mu.Lock()
	r.errs = append(r.errs, msg)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deltas)
}

func (r *recorder) values() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, d := range r.deltas {
		out = append(out, d.Updates[0].Values[0].Value)
	}
	return out
}

type env struct {
	doc     *document.Document
	bundle  *streambundle.Bundle
	cache   *deltacache.Cache
	manager *Manager
	metrics *metric.Metrics
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{metrics: metric.NewMetrics()}
	e.doc = document.New(selfID, "vessels")
	e.bundle = streambundle.New(selfCtx)
	e.doc.OnDelta(e.bundle.PushDelta)
	c, err := deltacache.New(e.bundle, e.doc, nil)
	require.NoError(t, err)
	e.cache = c
	e.manager = NewManager(e.bundle, c, e.doc, WithMetrics(e.metrics))
	return e
}

func (e *env) send(ctx, ref, path string, v any) {
	e.doc.AddDelta(&delta.Delta{Context: ctx, Updates: []delta.Update{{
		SourceRef: ref, Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Values: []delta.PathValue{{Path: path, Value: v}},
	}}})
}

func parseRequest(t *testing.T, s string) *Request {
	t.Helper()
	var req Request
	require.NoError(t, json.Unmarshal([]byte(s), &req))
	return &req
}

func TestCompileGlob(t *testing.T) {
	tests := []struct {
		glob  string
		path  string
		match bool
	}{
		{"navigation.speedOverGround", "navigation.speedOverGround", true},
		{"navigation.speedOverGround", "navigationXspeedOverGround", false},
		{"navigation.*", "navigation.position", true},
		{"navigation.*", "navigation.gnss.satellites", true},
		{"*", "", true},
		{"*.speed*", "navigation.speedThroughWater", true},
		{"environment.*.temperature", "environment.outside.temperature", true},
		{"environment.*.temperature", "environment.outside.pressure", false},
		{"a+b", "a+b", true},
	}
	for _, tt := range tests {
		t.Run(tt.glob+"/"+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.match, compileGlob(tt.glob).MatchString(tt.path))
		})
	}
}

func TestContextSelector_Unmarshal(t *testing.T) {
	req := parseRequest(t, `{"context":"vessels.*","subscribe":[{"path":"a"}]}`)
	assert.Equal(t, "vessels.*", req.Context.Pattern)
	assert.Nil(t, req.Context.Relative)

	req = parseRequest(t, `{"context":{"radius":1000,"position":{"latitude":60,"longitude":25}},"subscribe":[{"path":"a"}]}`)
	require.NotNil(t, req.Context.Relative)
	assert.Equal(t, 1000.0, req.Context.Relative.Radius)
	assert.Equal(t, 60.0, req.Context.Relative.Position.Latitude)
}

func TestSubscribe_LiveAndReplay(t *testing.T) {
	e := newEnv(t)
	e.send(selfCtx, "A", "navigation.speedOverGround", 1.0)

	rec := &recorder{}
	unsubs := &Unsubscribes{}
	req := parseRequest(t, `{"context":"vessels.self","subscribe":[{"path":"navigation.*"}]}`)
	e.manager.Subscribe(req, unsubs, rec.onError, rec.onDelta, "")

	assert.Equal(t, []any{1.0}, rec.values(), "cached value replayed")

	e.send(selfCtx, "A", "navigation.speedOverGround", 2.0)
	e.send(selfCtx, "A", "navigation.courseOverGroundTrue", 0.5)
	e.send("vessels.other", "ais", "navigation.speedOverGround", 9.0)
	e.send(selfCtx, "A", "environment.depth.belowKeel", 3.0)

	assert.Equal(t, []any{1.0, 2.0, 0.5}, rec.values())
	assert.Empty(t, rec.errs)
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.ActiveSubscriptions))
}

func TestSubscribe_WithoutRowsDeliversNothing(t *testing.T) {
	e := newEnv(t)
	rec := &recorder{}
	unsubs := &Unsubscribes{}
	e.manager.Subscribe(parseRequest(t, `{"context":"*"}`), unsubs, rec.onError, rec.onDelta, "")

	e.send(selfCtx, "A", "a", 1.0)
	assert.Zero(t, rec.count())
	assert.Zero(t, unsubs.Len())
}

func TestSubscribe_ContextGlob(t *testing.T) {
	e := newEnv(t)
	rec := &recorder{}
	req := parseRequest(t, `{"context":"vessels.urn:mrn:imo:mmsi:*","subscribe":[{"path":"*"}]}`)
	e.manager.Subscribe(req, &Unsubscribes{}, rec.onError, rec.onDelta, "")

	e.send("vessels.urn:mrn:imo:mmsi:230099999", "ais", "a", 1.0)
	e.send(selfCtx, "A", "a", 2.0)
	e.send("aton.urn:mrn:imo:mmsi:992351000", "ais", "a", 3.0)

	assert.Equal(t, []any{1.0}, rec.values())
}

func TestSubscribe_RadiusSelector(t *testing.T) {
	e := newEnv(t)
	e.doc.AddDelta(&delta.Delta{Context: "vessels.near", Updates: []delta.Update{{
		SourceRef: "ais", Timestamp: "t",
		Values: []delta.PathValue{{Path: "navigation.position", Value: map[string]any{"latitude": 60.0005, "longitude": 25.0}}},
	}}})
	e.doc.AddDelta(&delta.Delta{Context: "vessels.far", Updates: []delta.Update{{
		SourceRef: "ais", Timestamp: "t",
		Values: []delta.PathValue{{Path: "navigation.position", Value: map[string]any{"latitude": 61.0, "longitude": 25.0}}},
	}}})

	rec := &recorder{}
	req := parseRequest(t, `{"context":{"radius":1000,"position":{"latitude":60,"longitude":25}},"subscribe":[{"path":"navigation.speedOverGround"}]}`)
	e.manager.Subscribe(req, &Unsubscribes{}, rec.onError, rec.onDelta, "")

	e.send("vessels.near", "ais", "navigation.speedOverGround", 1.0)
	e.send("vessels.far", "ais", "navigation.speedOverGround", 2.0)
	e.send("vessels.unknown", "ais", "navigation.speedOverGround", 3.0)

	assert.Equal(t, []any{1.0}, rec.values())
	assert.Empty(t, rec.errs)
}

func TestSubscribe_RadiusWithoutPositionMatchesNothing(t *testing.T) {
	e := newEnv(t)
	rec := &recorder{}
	req := parseRequest(t, `{"context":{"radius":1000},"subscribe":[{"path":"*"}]}`)
	e.manager.Subscribe(req, &Unsubscribes{}, rec.onError, rec.onDelta, "")

	e.send(selfCtx, "A", "a", 1.0)
	assert.Zero(t, rec.count())
	assert.Equal(t, []string{"Please specify a radius and position for relativePosition"}, rec.errs)
}

func TestSubscribe_Warnings(t *testing.T) {
	tests := []struct {
		name string
		row  string
		want []string
	}{
		{"format", `{"path":"a","format":"full"}`, []string{"Only delta format supported, using it"}},
		{"unknown policy", `{"path":"a","policy":"ideal"}`, []string{"Only 'instant' and 'fixed' policies supported, ignoring policy ideal"}},
		{"minPeriod with fixed", `{"path":"a","minPeriod":100,"policy":"fixed"}`, []string{"minPeriod assumes policy 'instant', ignoring policy fixed"}},
		{"period with instant", `{"path":"a","period":100,"policy":"instant"}`, []string{"period assumes policy 'fixed', ignoring policy instant"}},
		{"no path", `{"period":100}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			rec := &recorder{}
			req := parseRequest(t, `{"context":"*","subscribe":[`+tt.row+`]}`)
			e.manager.Subscribe(req, &Unsubscribes{}, rec.onError, rec.onDelta, "")
			assert.Equal(t, tt.want, rec.errs)
		})
	}
}

func TestSubscribe_PeriodWithInstantDeliversUnbuffered(t *testing.T) {
	e := newEnv(t)
	rec := &recorder{}
	req := parseRequest(t, `{"context":"*","subscribe":[{"path":"a","period":10000,"policy":"instant"}]}`)
	e.manager.Subscribe(req, &Unsubscribes{}, rec.onError, rec.onDelta, "")

	e.send(selfCtx, "A", "a", 1.0)
	assert.Equal(t, 1, rec.count())
}

func TestSubscribe_DebounceImmediate(t *testing.T) {
	e := newEnv(t)
	rec := &recorder{}
	req := parseRequest(t, `{"context":"*","subscribe":[{"path":"a","minPeriod":200}]}`)
	e.manager.Subscribe(req, &Unsubscribes{}, rec.onError, rec.onDelta, "")

	start := time.Now()
	at := func(offset time.Duration) { time.Sleep(time.Until(start.Add(offset))) }

	e.send(selfCtx, "A", "a", 0.0)
	at(10 * time.Millisecond)
	e.send(selfCtx, "A", "a", 10.1)
	e.send(selfCtx, "A", "a", 10.2)
	e.send(selfCtx, "A", "a", 10.3)
	assert.Equal(t, []any{0.0}, rec.values(), "first value goes out at once")

	at(250 * time.Millisecond)
	e.send(selfCtx, "A", "a", 250.0)

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, []any{0.0, 250.0}, rec.values())
}

func TestDebounceImmediate_StopDropsLaterItems(t *testing.T) {
	var got []any
	d := newDebounceImmediate(time.Millisecond, func(nd delta.NormalizedDelta) { got = append(got, nd.Value) })
	d.push(delta.NormalizedDelta{Value: 1})
	d.stop()
	time.Sleep(5 * time.Millisecond)
	d.push(delta.NormalizedDelta{Value: 2})
	assert.Equal(t, []any{1}, got)
}

func TestSubscribe_FixedBuffer(t *testing.T) {
	e := newEnv(t)
	rec := &recorder{}
	req := parseRequest(t, `{"context":"*","subscribe":[{"path":"*","period":100}]}`)
	e.manager.Subscribe(req, &Unsubscribes{}, rec.onError, rec.onDelta, "")

	e.send(selfCtx, "A", "a", 1.0)
	e.send(selfCtx, "B", "a", 10.0)
	e.send(selfCtx, "A", "b", 20.0)
	e.send(selfCtx, "A", "a", 2.0)

	assert.Zero(t, rec.count(), "nothing before the period ends")
	assert.Eventually(t, func() bool { return rec.count() == 3 }, 2*time.Second, 10*time.Millisecond)
	// one buffer per path bus; within a bus the kept items keep arrival order
	values := rec.values()
	assert.ElementsMatch(t, []any{10.0, 2.0, 20.0}, values)
	assert.Less(t, indexOf(values, 10.0), indexOf(values, 2.0))
}

func TestSubscribe_RootPathIgnoresPolicy(t *testing.T) {
	e := newEnv(t)
	rec := &recorder{}
	req := parseRequest(t, `{"context":"*","subscribe":[{"path":"*","minPeriod":10000}]}`)
	e.manager.Subscribe(req, &Unsubscribes{}, rec.onError, rec.onDelta, "")

	e.send(selfCtx, "cfg", "", map[string]any{"name": "Aurora"})
	e.send(selfCtx, "cfg", "", map[string]any{"name": "Borealis"})
	assert.Equal(t, 2, rec.count())
}

func TestUnsubscribe(t *testing.T) {
	e := newEnv(t)
	rec := &recorder{}
	unsubs := &Unsubscribes{}
	req := parseRequest(t, `{"context":"*","subscribe":[{"path":"a"},{"path":"b","minPeriod":1000}]}`)
	e.manager.Subscribe(req, unsubs, rec.onError, rec.onDelta, "")
	e.send(selfCtx, "A", "a", 1.0)
	e.send(selfCtx, "A", "b", 1.0)
	e.send(selfCtx, "A", "b", 2.0)
	require.Equal(t, 2, rec.count())

	err := e.manager.Unsubscribe(parseRequest(t, `{"context":"vessels.self","unsubscribe":[{"path":"a"}]}`), unsubs)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnsupportedUnsubscribe)
	assert.NotZero(t, unsubs.Len())

	require.NoError(t, e.manager.Unsubscribe(parseRequest(t, `{"context":"*","unsubscribe":[{"path":"*"}]}`), unsubs))
	assert.Zero(t, unsubs.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(e.metrics.ActiveSubscriptions))

	e.send(selfCtx, "A", "a", 3.0)
	e.send(selfCtx, "A", "c", 3.0)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 2, rec.count(), "no delivery after unsubscribe")
}

func TestGuard_CloseCollectsTeardownsAddedDuringRun(t *testing.T) {
	g := &guard{}
	running := make(chan struct{})
	release := make(chan struct{})
	var torn atomic.Int32

	go g.run(func() {
		close(running)
		<-release
		g.add(func() { torn.Add(1) })
	})
	<-running

	closed := make(chan struct{})
	go func() {
		g.close()
		close(closed)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	<-closed
	assert.Equal(t, int32(1), torn.Load())

	g.add(func() { torn.Add(1) })
	assert.Equal(t, int32(2), torn.Load(), "added after close runs at once")
}

func TestUnsubscribe_ConcurrentWithNewKeys(t *testing.T) {
	e := newEnv(t)
	rec := &recorder{}
	unsubs := &Unsubscribes{}
	e.manager.Subscribe(parseRequest(t, `{"context":"*","subscribe":[{"path":"*"}]}`), unsubs, rec.onError, rec.onDelta, "")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 200 {
			e.send(selfCtx, "A", fmt.Sprintf("p%d", i), 1.0)
		}
	}()
	time.Sleep(time.Millisecond)
	require.NoError(t, e.manager.Unsubscribe(parseRequest(t, `{"context":"*","unsubscribe":[{"path":"*"}]}`), unsubs))
	wg.Wait()

	assert.Zero(t, unsubs.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(e.metrics.ActiveSubscriptions))

	delivered := rec.count()
	e.send(selfCtx, "A", "p0", 2.0)
	e.send(selfCtx, "A", "late", 2.0)
	assert.Equal(t, delivered, rec.count())
}

func indexOf(values []any, v any) int {
	for i, x := range values {
		if x == v {
			return i
		}
	}
	return -1
}

func TestDistance(t *testing.T) {
	// one minute of latitude is one nautical mile
	d := distance(60, 25, 60+1.0/60, 25)
	assert.InDelta(t, 1852, d, 15)
}

func TestLatestByKey(t *testing.T) {
	items := []delta.NormalizedDelta{
		{Context: "c", SourceRef: "A", Path: "p", Value: 1},
		{Context: "c", SourceRef: "B", Path: "p", Value: 2},
		{Context: "c", SourceRef: "A", Path: "p", Value: 3},
	}
	got := latestByKey(items)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Value)
	assert.Equal(t, 3, got[1].Value)
	assert.Empty(t, latestByKey(nil))
}
