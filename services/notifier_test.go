package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"game-entry-service/models"
)

func (f *fixture) fillGame(t *testing.T, game *models.Game, users ...string) {
	t.Helper()
	for i, u := range users {
		_, err := f.svc.States.Join(context.Background(), joinReq(game, u, txHash(1000+i)))
		require.NoError(t, err)
	}
}

func (f *fixture) notification(t *testing.T, gameID, userID string) models.NotificationEvent {
	t.Helper()
	var ev models.NotificationEvent
	require.NoError(t, f.db.Where("game_id = ? AND recipient_user_id = ?", gameID, userID).First(&ev).Error)
	return ev
}

// rendezvousDispatcher holds each call until a second call arrives or the
// wait expires, so concurrent senders overlap inside DispatchBulk.
type rendezvousDispatcher struct {
	inner *recordingDispatcher
	calls atomic.Int32
	wait  time.Duration
}

func (d *rendezvousDispatcher) DispatchBulk(ctx context.Context, msgs []NotificationMessage) (map[string]error, error) {
	d.calls.Add(1)
	deadline := time.Now().Add(d.wait)
	for d.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return d.inner.DispatchBulk(ctx, msgs)
}

func TestNotifier_NoDispatchBelowCapacity(t *testing.T) {
	f := newFixture(t)
	capacity := 3
	game := f.addGame(t, func(g *models.Game) { g.Capacity = &capacity })
	f.fillGame(t, game, "alice", "bob")

	f.svc.Notifier.AfterJoin(context.Background(), game)
	assert.Empty(t, f.dispatcher.delivered())
	assert.Zero(t, f.count(t, &models.NotificationEvent{}, "game_id = ?", game.ID))
}

func TestNotifier_UnlimitedGameNeverFills(t *testing.T) {
	f := newFixture(t)
	game := f.addGame(t, func(g *models.Game) {
		g.Capacity = nil
		g.GameType = models.GameTypeProps
	})
	f.fillGame(t, game, "alice")

	f.svc.Notifier.AfterJoin(context.Background(), game)
	assert.Empty(t, f.dispatcher.delivered())
}

func TestNotifier_PayloadDescribesTheGame(t *testing.T) {
	f := newFixture(t)
	capacity := 1
	game := f.addGame(t, func(g *models.Game) { g.Capacity = &capacity })
	f.fillGame(t, game, "alice")

	f.svc.Notifier.AfterJoin(context.Background(), game)
	sent := f.dispatcher.delivered()
	require.Len(t, sent, 1)
	assert.Equal(t, models.NotificationTypeGameFilled, sent[0].EventType)

	var payload GameFilledPayload
	require.NoError(t, json.Unmarshal(sent[0].Payload, &payload))
	assert.Equal(t, game.ID, payload.GameID)
	assert.Equal(t, "Tower Night", payload.GameName)
	assert.Equal(t, 1, payload.Capacity)
}

func TestNotifier_FailedRecipientIsRetried(t *testing.T) {
	f := newFixture(t)
	capacity := 2
	game := f.addGame(t, func(g *models.Game) { g.Capacity = &capacity })
	f.fillGame(t, game, "alice", "bob")
	f.dispatcher.failFor["bob"] = true

	f.svc.Notifier.AfterJoin(context.Background(), game)
	assert.Equal(t, models.NotificationStatusSent, f.notification(t, game.ID, "alice").Status)
	bob := f.notification(t, game.ID, "bob")
	assert.Equal(t, models.NotificationStatusFailed, bob.Status)
	assert.Equal(t, "recipient unreachable", bob.LastError)

	delete(f.dispatcher.failFor, "bob")
	sent, err := f.svc.Notifier.RetryFailed(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	bob = f.notification(t, game.ID, "bob")
	assert.Equal(t, models.NotificationStatusSent, bob.Status)
	assert.Equal(t, 2, bob.Attempts)
	assert.NotNil(t, bob.SentAt)

	// Nothing left to retry, and a repeated fill evaluation sends nobody twice.
	sent, err = f.svc.Notifier.RetryFailed(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, sent)
	f.svc.Notifier.AfterJoin(context.Background(), game)
	assert.Len(t, f.dispatcher.delivered(), 2)
}

func TestNotifier_DispatchOutageMarksEveryoneFailed(t *testing.T) {
	f := newFixture(t)
	capacity := 2
	game := f.addGame(t, func(g *models.Game) { g.Capacity = &capacity })
	f.fillGame(t, game, "alice", "bob")
	f.dispatcher.err = errors.New("connection refused")

	f.svc.Notifier.AfterJoin(context.Background(), game)
	assert.Equal(t, int64(2), f.count(t, &models.NotificationEvent{}, "game_id = ? AND status = ?", game.ID, models.NotificationStatusFailed))

	f.dispatcher.err = nil
	sent, err := f.svc.Notifier.RetryFailed(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
}

func TestNotifier_SentRowIsTerminal(t *testing.T) {
	f := newFixture(t)
	capacity := 1
	game := f.addGame(t, func(g *models.Game) { g.Capacity = &capacity })
	f.fillGame(t, game, "alice")
	f.svc.Notifier.AfterJoin(context.Background(), game)

	msg := NotificationMessage{EventType: models.NotificationTypeGameFilled, GameID: game.ID, RecipientUserID: "alice"}
	require.NoError(t, f.svc.Notifier.record(context.Background(), msg, errors.New("late failure")))

	ev := f.notification(t, game.ID, "alice")
	assert.Equal(t, models.NotificationStatusSent, ev.Status)
	assert.Empty(t, ev.LastError)
	assert.Equal(t, 1, ev.Attempts)
}

func TestNotifier_TwoTriggersDeliverEachRecipientOnce(t *testing.T) {
	f := newFixture(t)
	capacity := 2
	game := f.addGame(t, func(g *models.Game) { g.Capacity = &capacity })
	f.fillGame(t, game, "alice", "bob")

	shared := &rendezvousDispatcher{inner: f.dispatcher, wait: 300 * time.Millisecond}
	first := NewNotificationTrigger(f.db, shared, f.svc.Log)
	second := NewNotificationTrigger(f.db, shared, f.svc.Log)

	var wg sync.WaitGroup
	for _, trigger := range []*NotificationTrigger{first, second} {
		wg.Add(1)
		go func(n *NotificationTrigger) {
			defer wg.Done()
			n.AfterJoin(context.Background(), game)
		}(trigger)
	}
	wg.Wait()

	perRecipient := map[string]int{}
	for _, m := range f.dispatcher.delivered() {
		perRecipient[m.RecipientUserID]++
	}
	assert.Equal(t, map[string]int{"alice": 1, "bob": 1}, perRecipient)
	assert.Equal(t, int64(2), f.count(t, &models.NotificationEvent{}, "game_id = ? AND status = ?", game.ID, models.NotificationStatusSent))
}

func TestNotifier_ConcurrentRetriesClaimOnce(t *testing.T) {
	f := newFixture(t)
	capacity := 1
	game := f.addGame(t, func(g *models.Game) { g.Capacity = &capacity })
	f.fillGame(t, game, "alice")
	f.dispatcher.err = errors.New("connection refused")
	f.svc.Notifier.AfterJoin(context.Background(), game)
	require.Equal(t, models.NotificationStatusFailed, f.notification(t, game.ID, "alice").Status)
	f.dispatcher.err = nil

	shared := &rendezvousDispatcher{inner: f.dispatcher, wait: 300 * time.Millisecond}
	triggers := []*NotificationTrigger{
		NewNotificationTrigger(f.db, shared, f.svc.Log),
		NewNotificationTrigger(f.db, shared, f.svc.Log),
	}

	var (
		wg    sync.WaitGroup
		total atomic.Int32
	)
	for _, trigger := range triggers {
		wg.Add(1)
		go func(n *NotificationTrigger) {
			defer wg.Done()
			sent, err := n.RetryFailed(context.Background(), 10)
			assert.NoError(t, err)
			total.Add(int32(sent))
		}(trigger)
	}
	wg.Wait()

	assert.Len(t, f.dispatcher.delivered(), 1)
	assert.Equal(t, int32(1), total.Load())
	ev := f.notification(t, game.ID, "alice")
	assert.Equal(t, models.NotificationStatusSent, ev.Status)
	assert.Equal(t, 2, ev.Attempts)
}

func TestNotifier_UnsettledClaimIsNotResent(t *testing.T) {
	f := newFixture(t)
	capacity := 1
	game := f.addGame(t, func(g *models.Game) { g.Capacity = &capacity })
	f.fillGame(t, game, "alice")
	require.NoError(t, f.db.Create(&models.NotificationEvent{
		ID:              "claimed-elsewhere",
		EventType:       models.NotificationTypeGameFilled,
		GameID:          game.ID,
		RecipientUserID: "alice",
		Status:          models.NotificationStatusDispatching,
		Attempts:        1,
	}).Error)

	f.svc.Notifier.AfterJoin(context.Background(), game)
	sent, err := f.svc.Notifier.RetryFailed(context.Background(), 10)
	require.NoError(t, err)

	assert.Zero(t, sent)
	assert.Empty(t, f.dispatcher.delivered())
	assert.Equal(t, models.NotificationStatusDispatching, f.notification(t, game.ID, "alice").Status)
}
