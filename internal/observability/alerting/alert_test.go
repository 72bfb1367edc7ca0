package alerting

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "FlowACP-Chain/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	ok := &recordingNotifier{channel: ChannelLog}
	broken := &recordingNotifier{channel: ChannelWebhook, err: stdErrors.New("unreachable")}
	dispatcher := NewFanout(ok, broken, nil)

	err := dispatcher.Notify(context.Background(), Event{Code: xerrors.CodeSolvencyViolation})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel webhook")
	assert.Len(t, ok.events, 1)
	assert.Len(t, broken.events, 1)
}

func TestFromErrorCopiesAttributes(t *testing.T) {
	err := xerrors.New(xerrors.CodeSolvencyViolation, "", xerrors.WithMetadata("agent", "flow-sakura"))
	event := FromError(err, "FlowVault", "depositAndDelegate", "0xabc")

	assert.Equal(t, xerrors.CodeSolvencyViolation, event.Code)
	assert.Equal(t, xerrors.SeverityCritical, event.Severity)
	assert.Equal(t, "flow-sakura", event.Metadata["agent"])
	assert.False(t, event.OccurredAt.IsZero())
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var received Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier := &WebhookNotifier{URL: server.URL}
	require.NoError(t, notifier.Notify(context.Background(), Event{Code: xerrors.CodeReentrantCall, Message: "reentry"}))
	assert.Equal(t, xerrors.CodeReentrantCall, received.Code)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	assert.Error(t, (&SlackNotifier{WebhookURL: failing.URL}).Notify(context.Background(), Event{}))
}
