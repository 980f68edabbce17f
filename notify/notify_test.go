package notify

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Payload
	}{
		{
			name:    "all fields",
			payload: `{"title":"Ward 12","body":"Collection delayed","url":"/wards/12"}`,
			want:    Payload{Title: "Ward 12", Body: "Collection delayed", URL: "/wards/12"},
		},
		{
			name:    "defaults",
			payload: `{}`,
			want:    Payload{Title: DefaultTitle, Body: DefaultBody, URL: DefaultURL},
		},
		{
			name:    "partial",
			payload: `{"body":"New report ready"}`,
			want:    Payload{Title: DefaultTitle, Body: "New report ready", URL: DefaultURL},
		},
		{
			name:    "empty payload",
			payload: ``,
			want:    Payload{Title: DefaultTitle, Body: DefaultBody, URL: DefaultURL},
		},
		{
			name:    "null",
			payload: `null`,
			want:    Payload{Title: DefaultTitle, Body: DefaultBody, URL: DefaultURL},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := ParsePayload([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want.Title, n.Title)
			assert.Equal(t, tt.want.Body, n.Body)
			assert.Equal(t, tt.want.URL, n.Data.URL)
			assert.Equal(t, Icon, n.Icon)
			assert.Equal(t, Badge, n.Badge)
			assert.Equal(t, []int{100, 50, 100}, n.Vibrate)
			assert.NotEmpty(t, n.Tag)
		})
	}
}

func TestParsePayload_Malformed(t *testing.T) {
	for _, payload := range []string{`{"title":`, `"just a string"`, `{"title": 5}`, `[1,2]`} {
		_, err := ParsePayload([]byte(payload))
		require.ErrorIs(t, err, ErrMalformedPayload, payload)
	}
}

type recordingDisplayer struct {
	shown []Notification
	err   error
}

func (d *recordingDisplayer) Display(_ context.Context, n Notification) error {
	if d.err != nil {
		return d.err
	}
	d.shown = append(d.shown, n)
	return nil
}

type recordingOpener struct {
	opened []string
}

func (o *recordingOpener) OpenWindow(_ context.Context, url string) error {
	o.opened = append(o.opened, url)
	return nil
}

func TestNotifier_PushAndClick(t *testing.T) {
	d := &recordingDisplayer{}
	o := &recordingOpener{}
	n := New(WithDisplayer(d), WithWindowOpener(o), WithLogger(slog.New(slog.DiscardHandler)))
	ctx := context.Background()

	note, err := n.Push(ctx, []byte(`{"title":"Bins full","url":"/alerts"}`))
	require.NoError(t, err)
	require.Len(t, d.shown, 1)
	assert.Equal(t, "Bins full", d.shown[0].Title)
	assert.Len(t, n.Open(), 1)

	target, err := n.Click(ctx, note)
	require.NoError(t, err)
	assert.Equal(t, "/alerts", target)
	assert.Equal(t, []string{"/alerts"}, o.opened)
	assert.Empty(t, n.Open(), "click closes the notification")
}

func TestNotifier_ClickWithoutURLOpensRoot(t *testing.T) {
	o := &recordingOpener{}
	n := New(WithWindowOpener(o), WithLogger(slog.New(slog.DiscardHandler)))

	target, err := n.Click(context.Background(), Notification{Tag: "x"})
	require.NoError(t, err)
	assert.Equal(t, "/", target)
	assert.Equal(t, []string{"/"}, o.opened)
}

func TestNotifier_PushMalformed(t *testing.T) {
	d := &recordingDisplayer{}
	n := New(WithDisplayer(d), WithLogger(slog.New(slog.DiscardHandler)))

	_, err := n.Push(context.Background(), []byte(`not json`))
	require.ErrorIs(t, err, ErrMalformedPayload)
	assert.Empty(t, d.shown)
}

func TestNotifier_DisplayError(t *testing.T) {
	n := New(WithDisplayer(&recordingDisplayer{err: errors.New("service down")}), WithLogger(slog.New(slog.DiscardHandler)))

	_, err := n.Push(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Empty(t, n.Open())
}

func TestNotifier_DefaultDisplayerLogs(t *testing.T) {
	n := New(WithLogger(slog.New(slog.DiscardHandler)))
	_, err := n.Push(context.Background(), nil)
	require.NoError(t, err)
}

type fakeSender struct {
	message string
	params  types.Params
	errs    []error
}

func (s *fakeSender) Send(message string, params *types.Params) []error {
	s.message = message
	if params != nil {
		s.params = *params
	}
	return s.errs
}

func TestShoutrrrDisplayer(t *testing.T) {
	s := &fakeSender{}
	d := &ShoutrrrDisplayer{sender: s}

	note, err := ParsePayload([]byte(`{"title":"Ward 4","body":"Truck arriving","url":"/wards/4"}`))
	require.NoError(t, err)
	require.NoError(t, d.Display(context.Background(), note))
	assert.Equal(t, "Truck arriving\n/wards/4", s.message)
	assert.Equal(t, "Ward 4", s.params["title"])
}

func TestShoutrrrDisplayer_JoinsErrors(t *testing.T) {
	d := &ShoutrrrDisplayer{sender: &fakeSender{errs: []error{nil, errors.New("ntfy: 502")}}}
	err := d.Display(context.Background(), Notification{Body: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ntfy: 502")
}

func TestNewShoutrrrDisplayer(t *testing.T) {
	_, err := NewShoutrrrDisplayer()
	require.Error(t, err)

	_, err = NewShoutrrrDisplayer("notaservice://nowhere")
	require.Error(t, err)

	d, err := NewShoutrrrDisplayer("logger://")
	require.NoError(t, err)
	require.NoError(t, d.Display(context.Background(), Notification{Title: "t", Body: "b"}))
}
