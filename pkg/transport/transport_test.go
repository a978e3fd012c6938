package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-cctv/pkg/cas"
)

type fakeEndpoint struct {
	name     string
	data     map[cas.Address][]byte
	addErrs  []error
	getErr   error
	hang     bool
	addCalls atomic.Int32
	getCalls atomic.Int32
}

func (f *fakeEndpoint) Name() string { return f.name }

func (f *fakeEndpoint) Add(ctx context.Context, data []byte) (cas.Address, error) {
	n := int(f.addCalls.Add(1))
	if n <= len(f.addErrs) && f.addErrs[n-1] != nil {
		return "", f.addErrs[n-1]
	}
	addr, err := cas.ComputeAddress(data)
	if err != nil {
		return "", err
	}
	if f.data == nil {
		f.data = map[cas.Address][]byte{}
	}
	f.data[addr] = data
	return addr, nil
}

func (f *fakeEndpoint) Get(ctx context.Context, addr cas.Address) ([]byte, error) {
	f.getCalls.Add(1)
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.data[addr]
	if !ok {
		return nil, cas.ErrNotFound
	}
	return data, nil
}

func newTransport(t *testing.T, cfg Config) *Transport {
	t.Helper()
	cfg.InitialBackoff = time.Millisecond
	tr, err := New(cfg)
	require.NoError(t, err)
	return tr
}

func TestDownloadFallsBackWhenPrimaryFails(t *testing.T) {
	data := []byte("chunk")
	addr, err := cas.ComputeAddress(data)
	require.NoError(t, err)

	primary := &fakeEndpoint{name: "api", getErr: errors.New("connection refused")}
	fallback := &fakeEndpoint{name: "gateway", data: map[cas.Address][]byte{addr: data}}
	tr := newTransport(t, Config{Primary: primary, Fallback: fallback})

	got, err := tr.Download(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int32(1), primary.getCalls.Load())
	assert.Equal(t, int32(1), fallback.getCalls.Load())
}

func TestDownloadPrimarySuccessSkipsFallback(t *testing.T) {
	data := []byte("chunk")
	addr, err := cas.ComputeAddress(data)
	require.NoError(t, err)

	primary := &fakeEndpoint{name: "api", data: map[cas.Address][]byte{addr: data}}
	fallback := &fakeEndpoint{name: "gateway"}
	tr := newTransport(t, Config{Primary: primary, Fallback: fallback})

	got, err := tr.Download(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Zero(t, fallback.getCalls.Load())
}

func TestDownloadBothFail(t *testing.T) {
	primaryErr := errors.New("primary down")
	fallbackErr := errors.New("gateway 504")
	tr := newTransport(t, Config{
		Primary:  &fakeEndpoint{name: "api", getErr: primaryErr},
		Fallback: &fakeEndpoint{name: "gateway", getErr: fallbackErr},
	})

	_, err := tr.Download(context.Background(), "QmT78zSuBmuS4z925WZfrqQ1qHaJ56DQaTfyMUF7F8ff5o")
	var re *RetrievalError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, re.Primary, primaryErr)
	assert.ErrorIs(t, re.Fallback, fallbackErr)
	assert.ErrorIs(t, err, primaryErr)
	assert.ErrorIs(t, err, fallbackErr)
}

func TestDownloadWithoutFallback(t *testing.T) {
	tr := newTransport(t, Config{Primary: &fakeEndpoint{name: "api", getErr: errors.New("down")}})
	_, err := tr.Download(context.Background(), "QmT78zSuBmuS4z925WZfrqQ1qHaJ56DQaTfyMUF7F8ff5o")
	var re *RetrievalError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, ErrNoFallback)
}

func TestDownloadHungPrimaryTimesOut(t *testing.T) {
	data := []byte("chunk")
	addr, err := cas.ComputeAddress(data)
	require.NoError(t, err)

	tr := newTransport(t, Config{
		Primary:        &fakeEndpoint{name: "api", hang: true},
		Fallback:       &fakeEndpoint{name: "gateway", data: map[cas.Address][]byte{addr: data}},
		PrimaryTimeout: 20 * time.Millisecond,
	})

	start := time.Now()
	got, err := tr.Download(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestVerifyFallbackRejectsWrongContent(t *testing.T) {
	addr, err := cas.ComputeAddress([]byte("expected"))
	require.NoError(t, err)

	tr := newTransport(t, Config{
		Primary:        &fakeEndpoint{name: "api", getErr: errors.New("down")},
		Fallback:       &fakeEndpoint{name: "gateway", data: map[cas.Address][]byte{addr: []byte("forged")}},
		VerifyFallback: true,
	})

	_, err = tr.Download(context.Background(), addr)
	var mismatch *cas.MismatchError
	assert.ErrorAs(t, err, &mismatch)
}

func TestUploadRetriesThenSucceeds(t *testing.T) {
	primary := &fakeEndpoint{name: "api", addErrs: []error{errors.New("busy"), errors.New("busy")}}
	tr := newTransport(t, Config{Primary: primary, UploadAttempts: 3})

	addr, err := tr.Upload(context.Background(), []byte("chunk"))
	require.NoError(t, err)
	assert.True(t, addr.IsV0())
	assert.Equal(t, int32(3), primary.addCalls.Load())
}

func TestUploadFailureIsReported(t *testing.T) {
	boom := errors.New("node offline")
	primary := &fakeEndpoint{name: "api", addErrs: []error{boom, boom, boom, boom}}
	fallback := &fakeEndpoint{name: "gateway"}
	tr := newTransport(t, Config{Primary: primary, Fallback: fallback, UploadAttempts: 2})

	_, err := tr.Upload(context.Background(), []byte("chunk"))
	var ue *UploadError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "api", ue.Endpoint)
	assert.Equal(t, 2, ue.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, fallback.addCalls.Load(), "uploads never use the fallback")
}

type countingObserver struct {
	uploads, retrievals, failures atomic.Int32
}

func (o *countingObserver) ObserveUpload(_ string, _ int, err error) {
	o.uploads.Add(1)
	if err != nil {
		o.failures.Add(1)
	}
}

func (o *countingObserver) ObserveRetrieval(_ string, err error) {
	o.retrievals.Add(1)
	if err != nil {
		o.failures.Add(1)
	}
}

func TestObserverSeesEveryAttempt(t *testing.T) {
	obs := &countingObserver{}
	primary := &fakeEndpoint{name: "api", addErrs: []error{errors.New("busy")}}
	tr := newTransport(t, Config{Primary: primary, Observer: obs})

	addr, err := tr.Upload(context.Background(), []byte("chunk"))
	require.NoError(t, err)
	_, err = tr.Download(context.Background(), addr)
	require.NoError(t, err)

	assert.Equal(t, int32(2), obs.uploads.Load())
	assert.Equal(t, int32(1), obs.retrievals.Load())
	assert.Equal(t, int32(1), obs.failures.Load())
}

func TestNewRequiresPrimary(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
