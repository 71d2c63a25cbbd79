package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/persistence/syncstore"
)

func TestWebhookRunner(t *testing.T) {
	q, _ := newQueue(t, syncstore.NewInMemoryStore())
	ctx := context.Background()
	d1 := accept(t, q, "turn1", "k1")
	d2 := accept(t, q, "turn2", "k2")

	var seen []WebhookRequest
	bridge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req WebhookRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen = append(seen, req)
		if req.Claim.TurnID == "turn2" {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(WebhookResponse{RuntimeThreadID: "rt-th", RuntimeTurnID: "rt-" + req.Claim.TurnID})
	}))
	defer bridge.Close()

	dr, err := NewDrainer(ctx, DrainerConfig{Queue: q, Runner: &WebhookRunner{URL: bridge.URL}})
	require.NoError(t, err)
	defer dr.Close()
	dr.Kick(alice, "th1", "")
	dr.Wait()

	require.Len(t, seen, 2)
	require.Equal(t, "th1", seen[0].ThreadID)
	require.Equal(t, alice.UserID, seen[0].UserID)
	require.NotEmpty(t, seen[0].Claim.ClaimToken)

	st, err := q.GetState(ctx, alice, "th1", d1.DispatchID, "")
	require.NoError(t, err)
	require.Equal(t, model.DispatchCompleted, st.Status)
	require.Equal(t, "rt-turn1", st.RuntimeTurnID)

	st, err = q.GetState(ctx, alice, "th1", d2.DispatchID, "")
	require.NoError(t, err)
	require.Equal(t, model.DispatchFailed, st.Status)
	require.Contains(t, st.FailureReason, "503")
}

func TestWebhookRunnerRequiresURL(t *testing.T) {
	err := (&WebhookRunner{}).RunTurn(context.Background(), alice, "th1", Claimed{}, func(string, string) error { return nil })
	require.Error(t, err)
}
