package download

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	offlineedge "github.com/swaccha-ap/offline-edge"
	"github.com/swaccha-ap/offline-edge/cachestore"
)

func result(body string) *Result {
	return &Result{
		Response: &cachestore.Response{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": []string{"text/css"}},
			Body:   []byte(body),
			Type:   cachestore.TypeBasic,
			Hash:   offlineedge.HashBytes([]byte(body)),
		},
		Stored: true,
	}
}

const styles = offlineedge.RequestKey("GET https://dash.example/assets/styles.css")

func TestDo_SingleCall(t *testing.T) {
	d := New()
	expected := result("body{}")

	got, shared, err := d.Do(context.Background(), styles, func(ctx context.Context) (*Result, error) {
		return expected, nil
	})

	require.NoError(t, err)
	require.False(t, shared)
	require.Same(t, expected, got)
}

func TestDo_ConcurrentDeduplication(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	expected := result("body{}")

	var wg sync.WaitGroup
	results := make([]*Result, 10)
	errs := make([]error, 10)

	for i := range 10 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], _, errs[idx] = d.Do(context.Background(), styles, func(ctx context.Context) (*Result, error) {
				callCount.Add(1)
				time.Sleep(50 * time.Millisecond)
				return expected, nil
			})
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), callCount.Load(), "fetch should run exactly once")
	for i := range 10 {
		require.NoError(t, errs[i])
		require.Equal(t, expected.Response.Hash, results[i].Response.Hash)
	}
}

func TestDo_CallerTimeout(t *testing.T) {
	d := New()

	var fetchCompleted atomic.Bool
	expected := result("slow")

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer shortCancel()

	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, _, err := d.Do(shortCtx, styles, func(ctx context.Context) (*Result, error) {
			close(started)
			time.Sleep(200 * time.Millisecond)
			fetchCompleted.Store(ctx.Err() == nil)
			return expected, nil
		})
		errCh <- err
	}()
	<-started

	longCtx, longCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer longCancel()

	got, shared, err := d.Do(longCtx, styles, func(ctx context.Context) (*Result, error) {
		t.Error("fetch already in flight")
		return nil, nil
	})

	require.NoError(t, err)
	require.True(t, shared)
	require.Same(t, expected, got)
	require.True(t, fetchCompleted.Load(), "detached context must outlive the first caller")
	require.ErrorIs(t, <-errCh, context.DeadlineExceeded)
}

func TestDo_FetchError(t *testing.T) {
	d := New()
	expectedErr := errors.New("network unreachable")

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _, errs[idx] = d.Do(context.Background(), styles, func(ctx context.Context) (*Result, error) {
				time.Sleep(20 * time.Millisecond)
				return nil, expectedErr
			})
		}(i)
	}
	wg.Wait()

	for i := range 5 {
		require.ErrorIs(t, errs[i], expectedErr)
	}
}

func TestDo_DifferentKeys(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	var wg sync.WaitGroup
	errs := make([]error, 5)

	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			key := offlineedge.RequestKey("GET https://dash.example/assets/" + string(rune('a'+idx)) + ".css")
			_, _, errs[idx] = d.Do(context.Background(), key, func(ctx context.Context) (*Result, error) {
				callCount.Add(1)
				return result(string(key)), nil
			})
		}(i)
	}
	wg.Wait()

	for i := range 5 {
		require.NoError(t, errs[i])
	}
	require.Equal(t, int32(5), callCount.Load(), "each key should trigger its own fetch")
}

func TestForgetOnError_SkipsContextErrors(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	expected := result("data")

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _, _ = d.Do(context.Background(), styles, func(ctx context.Context) (*Result, error) {
			callCount.Add(1)
			close(started)
			<-release
			return expected, nil
		})
	}()
	<-started

	d.ForgetOnError(styles, context.DeadlineExceeded)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	got, shared, err := d.Do(context.Background(), styles, func(ctx context.Context) (*Result, error) {
		callCount.Add(1)
		return expected, nil
	})

	require.NoError(t, err)
	require.True(t, shared, "should join the in-flight fetch")
	require.Same(t, expected, got)
	require.Equal(t, int32(1), callCount.Load())
}

func TestForgetOnError_ForgetsRealErrors(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	expectedErr := errors.New("upstream error")

	_, _, err := d.Do(context.Background(), styles, func(ctx context.Context) (*Result, error) {
		callCount.Add(1)
		return nil, expectedErr
	})
	require.ErrorIs(t, err, expectedErr)

	d.ForgetOnError(styles, expectedErr)

	expected := result("retry")
	got, shared, err := d.Do(context.Background(), styles, func(ctx context.Context) (*Result, error) {
		callCount.Add(1)
		return expected, nil
	})
	require.NoError(t, err)
	require.False(t, shared)
	require.Same(t, expected, got)
	require.Equal(t, int32(2), callCount.Load())
}
