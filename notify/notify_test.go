package notify_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"guildhall/memstore"
	"guildhall/notify"
	"guildhall/store"
)

func TestPushListPurge(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	svc := notify.NewService(time.Hour, nil).WithClock(func() time.Time { return now })

	err := st.InTx(ctx, func(tx store.Tx) error {
		return svc.Push(ctx, tx,
			notify.Message{UserID: "u1", Kind: notify.KindDisputeRaised, Text: " raised ", Reference: "d1"},
			notify.Message{UserID: "u1", Kind: notify.KindDisputeRaised, Text: "raised", Reference: "d1"},
			notify.Message{UserID: "", Kind: notify.KindDisputeRaised, Reference: "d1"},
			notify.Message{UserID: "u2", Kind: notify.KindJurorSelected, Reference: "d1"},
		)
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	var list []notify.Notification
	_ = st.InTx(ctx, func(tx store.Tx) error {
		list, err = svc.List(ctx, tx, "u1", 0)
		return err
	})
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one deduplicated notification, got %+v %v", list, err)
	}
	if list[0].Message != "raised" || !list[0].ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected notification %+v", list[0])
	}

	err = st.InTx(ctx, func(tx store.Tx) error {
		if err := svc.MarkRead(ctx, tx, "u2", list[0].ID); !errors.Is(err, notify.ErrNotFound) {
			t.Fatalf("expected another user's notification hidden, got %v", err)
		}
		return svc.MarkRead(ctx, tx, "u1", list[0].ID)
	})
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}

	now = now.Add(2 * time.Hour)
	var purged int64
	_ = st.InTx(ctx, func(tx store.Tx) error {
		purged, err = svc.Purge(ctx, tx)
		return err
	})
	if err != nil || purged != 2 {
		t.Fatalf("expected both notifications purged, got %d %v", purged, err)
	}
}

func TestListRequiresUser(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	svc := notify.NewService(0, nil)
	err := st.InTx(ctx, func(tx store.Tx) error {
		_, err := svc.List(ctx, tx, "", 10)
		return err
	})
	if err == nil {
		t.Fatalf("expected validation error for empty user")
	}
}
