package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davel-ai/gateway/pkg/coordination/storetest"
	"github.com/davel-ai/gateway/pkg/logger"
)

// 1700000010.5s is 30.5s into a one-minute window starting at 1699999980s.
var baseTime = time.UnixMilli(1_700_000_010_500)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(t *testing.T, rules Rules) (*Service, *clock) {
	t.Helper()
	store, _ := storetest.NewRedis(t)
	clk := &clock{t: baseTime}
	return NewService(store, rules, WithClock(clk.now), WithLogger(logger.Discard())), clk
}

func TestService_AdmitsUntilMaxThenRejects(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Rules{
		DimensionMessage: {Enabled: true, Window: time.Minute, Max: 3},
	})
	req := Request{Dimension: DimensionMessage, Identifier: "s1"}

	for _, wantRemaining := range []int64{2, 1, 0} {
		res, err := svc.CheckAndRecord(ctx, req)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, wantRemaining, res.Remaining)
		assert.Equal(t, int64(3), res.Limit)
		assert.Equal(t, int64(1_700_000_040), res.ResetTime)
		assert.Zero(t, res.RetryAfter)
	}

	res, err := svc.CheckAndRecord(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
	assert.Equal(t, int64(3), res.Count)
	assert.Equal(t, int64(30), res.RetryAfter)
	assert.Equal(t, 30*time.Second, res.RetryAfterDuration())
}

func TestService_NextWindowStartsFresh(t *testing.T) {
	ctx := context.Background()
	svc, clk := newTestService(t, Rules{
		DimensionConnection: {Enabled: true, Window: time.Minute, Max: 1},
	})
	req := Request{Dimension: DimensionConnection, Identifier: "10.0.0.1"}

	res, err := svc.CheckAndRecord(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = svc.CheckAndRecord(ctx, req)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	clk.advance(time.Minute)
	res, err = svc.CheckAndRecord(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1_700_000_100), res.ResetTime)
}

func TestService_RecordSetsExpiryOnFirstIncrement(t *testing.T) {
	ctx := context.Background()
	store, mr := storetest.NewRedis(t)
	clk := &clock{t: baseTime}
	svc := NewService(store, Rules{
		DimensionSession: {Enabled: true, Window: time.Minute, Max: 10},
	}, WithClock(clk.now), WithLogger(logger.Discard()))

	req := Request{Dimension: DimensionSession, Identifier: "s1"}
	require.NoError(t, svc.Record(ctx, req))
	require.NoError(t, svc.Record(ctx, req))

	key := "quota:session:s1:1699999980000"
	require.True(t, mr.Exists(key))
	assert.Equal(t, 61*time.Second, mr.TTL(key))

	v, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestService_CheckAllPicksMostRestrictive(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Rules{
		DimensionGlobal:  {Enabled: true, Window: time.Minute, Max: 10},
		DimensionAddress: {Enabled: true, Window: time.Minute, Max: 2},
		DimensionSession: {Enabled: true, Window: time.Minute, Max: 5},
	})

	global := Request{Dimension: DimensionGlobal, Identifier: "all"}
	address := Request{Dimension: DimensionAddress, Identifier: "10.0.0.1"}
	session := Request{Dimension: DimensionSession, Identifier: "s1"}

	for i := 0; i < 4; i++ {
		require.NoError(t, svc.Record(ctx, global))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, svc.Record(ctx, address))
	}
	require.NoError(t, svc.Record(ctx, session))

	// remaining would be 5, rejected, 3
	res, err := svc.CheckAll(ctx, global, address, session)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, DimensionAddress, res.Dimension)

	// with equal status the fewest remaining wins
	res, err = svc.CheckAll(ctx, global, session)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, DimensionSession, res.Dimension)
	assert.Equal(t, int64(3), res.Remaining)
}

func TestService_RejectionDoesNotRecord(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Rules{
		DimensionAddress: {Enabled: true, Window: time.Minute, Max: 1},
		DimensionSession: {Enabled: true, Window: time.Minute, Max: 10},
	})
	address := Request{Dimension: DimensionAddress, Identifier: "10.0.0.1"}
	session := Request{Dimension: DimensionSession, Identifier: "s1"}

	require.NoError(t, svc.Record(ctx, address))

	res, err := svc.CheckAndRecord(ctx, address, session)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	res, err = svc.Check(ctx, session)
	require.NoError(t, err)
	assert.Zero(t, res.Count)
}

func TestService_DisabledRuleAlwaysAdmits(t *testing.T) {
	ctx := context.Background()
	store, mr := storetest.NewRedis(t)
	svc := NewService(store, Rules{
		DimensionGlobal: {Enabled: false, Window: time.Minute, Max: 1},
	}, WithLogger(logger.Discard()))

	req := Request{Dimension: DimensionGlobal, Identifier: "all"}
	for i := 0; i < 5; i++ {
		res, err := svc.CheckAndRecord(ctx, req)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.True(t, res.Unlimited)
	}
	assert.Empty(t, mr.Keys())

	res, err := svc.Check(ctx, Request{Dimension: DimensionEndpoint, Identifier: "GET /"})
	require.NoError(t, err)
	assert.True(t, res.Allowed, "a dimension without a rule is disabled")
}

func TestService_InvalidRequests(t *testing.T) {
	svc, _ := newTestService(t, Rules{})

	_, err := svc.Check(context.Background(), Request{Dimension: DimensionSession})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = svc.Check(context.Background(), Request{Dimension: "tenant", Identifier: "x"})
	assert.ErrorIs(t, err, ErrUnknownDimension)

	_, err = svc.CheckAll(context.Background(),
		Request{Dimension: DimensionGlobal, Identifier: "all"},
		Request{Dimension: DimensionSession},
	)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestService_FailsOpenWhenStoreUnreachable(t *testing.T) {
	ctx := context.Background()
	svc := NewService(storetest.NewUnreachable(t), Rules{
		DimensionMessage: {Enabled: true, Window: time.Minute, Max: 1},
	}, WithLogger(logger.Discard()))
	req := Request{Dimension: DimensionMessage, Identifier: "s1"}

	for i := 0; i < 3; i++ {
		res, err := svc.CheckAndRecord(ctx, req)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Zero(t, res.Count)
	}
}

func TestService_Reset(t *testing.T) {
	ctx := context.Background()
	store, mr := storetest.NewRedis(t)
	clk := &clock{t: baseTime}
	svc := NewService(store, Rules{
		DimensionSession: {Enabled: true, Window: time.Minute, Max: 2},
		DimensionMessage: {Enabled: true, Window: time.Hour, Max: 2},
	}, WithClock(clk.now), WithLogger(logger.Discard()))

	require.NoError(t, svc.RecordAll(ctx,
		Request{Dimension: DimensionSession, Identifier: "abc"},
		Request{Dimension: DimensionMessage, Identifier: "abc"},
		Request{Dimension: DimensionSession, Identifier: "abcd"},
		Request{Dimension: DimensionSession, Identifier: "abc:x"},
	))
	require.Len(t, mr.Keys(), 4)

	deleted, err := svc.Reset(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.ElementsMatch(t, []string{
		"quota:session:abcd:1699999980000",
		"quota:session:abc:x:1699999980000",
	}, mr.Keys())

	_, err = svc.Reset(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestService_UpdateRules(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Rules{
		DimensionMessage: {Enabled: true, Window: time.Minute, Max: 1},
	})
	req := Request{Dimension: DimensionMessage, Identifier: "s1"}

	res, err := svc.CheckAndRecord(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	require.NoError(t, svc.UpdateRules(Rules{
		DimensionMessage: {Enabled: true, Window: time.Minute, Max: 5},
	}))
	res, err = svc.CheckAndRecord(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(3), res.Remaining)

	err = svc.UpdateRules(Rules{DimensionMessage: {Enabled: true, Window: time.Minute}})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, "max", verr.Field)
	assert.Equal(t, int64(5), svc.Rules()[DimensionMessage].Max, "invalid rules are not applied")
}

func TestRateLimitError(t *testing.T) {
	res := &Result{Dimension: DimensionMessage, RetryAfter: 12}
	err := error(NewRateLimitError(res))

	assert.True(t, IsRateLimitError(err))
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Same(t, res, GetRateLimitResult(err))
	assert.Contains(t, err.Error(), "message")
	assert.Nil(t, GetRateLimitResult(errors.New("other")))
}
