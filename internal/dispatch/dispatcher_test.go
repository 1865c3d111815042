package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/remotectl/internal/command"
	"github.com/mattjoyce/remotectl/internal/dispatch/mocks"
	"github.com/mattjoyce/remotectl/internal/events"
	"github.com/mattjoyce/remotectl/internal/log"
	"github.com/mattjoyce/remotectl/internal/records"
	"github.com/mattjoyce/remotectl/internal/storage"
)

func TestDispatchRejectsInvalidRequests(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	d := New(store, nil, Config{}, log.Discard())

	tests := []struct {
		name string
		req  Request
	}{
		{"no device", Request{Kind: command.KindLockPC}},
		{"blank device", Request{DeviceID: "  ", Kind: command.KindLockPC}},
		{"no kind", Request{DeviceID: "dev-1"}},
		{"unknown kind", Request{DeviceID: "dev-1", Kind: "format_disk"}},
		{"missing argument", Request{DeviceID: "dev-1", Kind: command.KindGetFile}},
		{"payload mismatch", Request{DeviceID: "dev-1", Kind: command.KindGetFile, Payload: command.DeleteFile{Path: "/x"}}},
		{"invalid payload", Request{DeviceID: "dev-1", Kind: command.KindSetVolume, Payload: command.SetVolume{Level: 400}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Dispatch(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.False(t, errors.Is(err, ErrDispatch))
		})
	}
}

func TestDispatchWritesPendingCommand(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	hub := events.NewHub(4)
	sub, cancel := hub.Subscribe("dev-1")
	defer cancel()

	created := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	store.EXPECT().InsertCommand(gomock.Any(), records.NewCommand{
		DeviceID: "dev-1",
		IssuerID: AnonymousIssuer,
		Kind:     command.KindSetVolume,
		Payload:  json.RawMessage(`{"payload":"50"}`),
	}).Return(records.Command{ID: "cmd-1", DeviceID: "dev-1", Kind: command.KindSetVolume, Status: command.StatusPending, CreatedAt: created}, nil)

	d := New(store, hub, Config{}, log.Discard())
	got, err := d.Dispatch(context.Background(), Request{DeviceID: "dev-1", Kind: command.KindSetVolume, Payload: command.SetVolume{Level: 50}})
	require.NoError(t, err)
	assert.Equal(t, "cmd-1", got.CommandID)
	assert.Equal(t, created, got.DispatchedAt)
	assert.False(t, got.Deduplicated)
	assert.Equal(t, created, got.Window.DispatchedAt)
	assert.Equal(t, command.ReplyStatus, got.Window.Source)

	select {
	case ev := <-sub:
		assert.Equal(t, events.CommandDispatched, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected command.dispatched event")
	}
}

func TestDispatchStoreFailureIsWrapped(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	boom := errors.New("disk full")
	store.EXPECT().InsertCommand(gomock.Any(), gomock.Any()).Return(records.Command{}, boom).Times(1)

	d := New(store, nil, Config{}, log.Discard())
	_, err := d.Dispatch(context.Background(), Request{DeviceID: "dev-1", Kind: command.KindScreenshot})
	require.ErrorIs(t, err, ErrDispatch)
	require.ErrorIs(t, err, boom)

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, command.KindScreenshot, de.Kind)
}

func TestDispatchDedupeReturnsInFlight(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	created := time.Date(2026, 4, 1, 9, 0, 20, 0, time.UTC)

	key := DedupeKey("dev-1", command.KindScreenshot, json.RawMessage(`{}`))
	store.EXPECT().FindInFlight(gomock.Any(), "dev-1", key, time.Minute).
		Return(&records.Command{ID: "cmd-old", DeviceID: "dev-1", Kind: command.KindScreenshot, CreatedAt: created}, nil)

	d := New(store, nil, Config{DedupeWindow: time.Minute}, log.Discard())

	got, err := d.Dispatch(context.Background(), Request{DeviceID: "dev-1", Kind: command.KindScreenshot})
	require.NoError(t, err)
	assert.True(t, got.Deduplicated)
	assert.Equal(t, "cmd-old", got.CommandID)
	assert.Equal(t, created, got.DispatchedAt)
}

func TestDispatchDedupeMissInsertsWithKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)

	store.EXPECT().FindInFlight(gomock.Any(), "dev-1", gomock.Any(), gomock.Any()).Return(nil, records.ErrNotFound)
	store.EXPECT().InsertCommand(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, nc records.NewCommand) (records.Command, error) {
			assert.NotEmpty(t, nc.DedupeKey)
			return records.Command{ID: "cmd-2", DeviceID: nc.DeviceID, Kind: nc.Kind, CreatedAt: time.Now()}, nil
		})

	d := New(store, nil, Config{DedupeWindow: time.Minute}, log.Discard())
	got, err := d.Dispatch(context.Background(), Request{DeviceID: "dev-1", Kind: command.KindScreenshot})
	require.NoError(t, err)
	assert.False(t, got.Deduplicated)
}

func TestDedupeKeySeparatesFields(t *testing.T) {
	a := DedupeKey("dev-1", command.KindSendMessage, json.RawMessage(`{"payload":"hi"}`))
	b := DedupeKey("dev-1", command.KindSendMessage, json.RawMessage(`{"payload":"hi"}`))
	c := DedupeKey("dev-2", command.KindSendMessage, json.RawMessage(`{"payload":"hi"}`))
	d := DedupeKey("dev-1", command.KindSpeak, json.RawMessage(`{"payload":"hi"}`))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 64)
}

func TestConcurrentDispatchesWriteDistinctRows(t *testing.T) {
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := records.New(db, storage.DialectSQLite)
	d := New(store, nil, Config{}, log.Discard())

	first, err := d.Dispatch(context.Background(), Request{DeviceID: "dev-1", Kind: command.KindScreenshot})
	require.NoError(t, err)
	second, err := d.Dispatch(context.Background(), Request{DeviceID: "dev-1", Kind: command.KindScreenshot})
	require.NoError(t, err)

	assert.NotEqual(t, first.CommandID, second.CommandID)
	assert.True(t, second.DispatchedAt.After(first.DispatchedAt))

	row, err := store.QueryCommandStatus(context.Background(), first.CommandID)
	require.NoError(t, err)
	assert.Equal(t, command.StatusPending, row.Status)
	assert.Equal(t, AnonymousIssuer, row.IssuerID)
}

func TestDedupeWindowUsesStoreClock(t *testing.T) {
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "dedupe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := records.New(db, storage.DialectSQLite)
	d := New(store, nil, Config{DedupeWindow: time.Minute}, log.Discard())

	req := Request{DeviceID: "dev-1", Kind: command.KindScreenshot}
	first, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	second, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.CommandID, second.CommandID)
	assert.True(t, first.DispatchedAt.Equal(second.DispatchedAt))

	// A window shorter than the command's age no longer matches.
	time.Sleep(20 * time.Millisecond)
	d.cfg.DedupeWindow = 5 * time.Millisecond
	third, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, third.Deduplicated)
	assert.NotEqual(t, first.CommandID, third.CommandID)
}
