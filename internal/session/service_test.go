package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/apperror"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/location"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
)

var errSession = errors.New("session error")

var sessionCols = []string{
	"id", "owner_id", "location_id", "location_name", "location_color",
	"entry_at", "exit_at", "type", "manually_edited", "edit_reason",
	"pause_minutes", "paused_at", "needs_review", "suggested_exit_at",
	"deleted_at", "updated_at", "synced_at",
}

func siteA() location.Location {
	return location.Location{ID: "loc-1", OwnerID: "user-1", Name: "Site A", Color: "#ff0000", RadiusM: 100}
}

func closedRow(id string, entry, exit time.Time, pause int) *pgxmock.Rows {
	return pgxmock.NewRows(sessionCols).
		AddRow(id, "user-1", "loc-1", "Site A", "#ff0000", entry, &exit, "automatic",
			false, "", pause, nil, false, nil, nil, time.Now(), nil)
}

func openRow(id string, entry time.Time) *pgxmock.Rows {
	return pgxmock.NewRows(sessionCols).
		AddRow(id, "user-1", "loc-1", "Site A", "#ff0000", entry, nil, "automatic",
			false, "", 0, nil, false, nil, nil, time.Now(), nil)
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	return mock
}

func TestHandleEnterCreatesSession(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs(pgxmock.AnyArg(), "user-1", "loc-1", "Site A", "#ff0000", pgxmock.AnyArg(), "automatic").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	svc := NewService(mock, nil)
	sess, created, err := svc.HandleEnter(context.Background(), siteA(), time.Now())
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if !created || sess.ID == "" || sess.Type != TypeAutomatic {
		t.Fatalf("unexpected session: %+v created=%v", sess, created)
	}
}

func TestHandleEnterIdempotentWhileOpen(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	// conditional insert affects zero rows while any session is open
	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs(pgxmock.AnyArg(), "user-1", "loc-1", "Site A", "#ff0000", pgxmock.AnyArg(), "automatic").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	svc := NewService(mock, nil)
	_, created, err := svc.HandleEnter(context.Background(), siteA(), time.Now())
	if err != nil {
		t.Fatalf("enter must be a no-op, not an error: %v", err)
	}
	if created {
		t.Fatalf("second open must not create a session")
	}
}

func TestHandleExitCloses(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	at := time.Now()
	mock.ExpectQuery(`UPDATE sessions`).
		WithArgs("user-1", at, "loc-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("sess-1"))

	svc := NewService(mock, nil)
	closed, err := svc.HandleExit(context.Background(), "user-1", "loc-1", at)
	if err != nil || !closed {
		t.Fatalf("exit: %v closed=%v", err, closed)
	}
}

func TestHandleExitNoOpenSession(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	mock.ExpectQuery(`UPDATE sessions`).
		WithArgs("user-1", pgxmock.AnyArg(), "loc-1").
		WillReturnError(pgx.ErrNoRows)

	svc := NewService(mock, nil)
	closed, err := svc.HandleExit(context.Background(), "user-1", "loc-1", time.Now())
	if err != nil {
		t.Fatalf("exit without open session must be a no-op: %v", err)
	}
	if closed {
		t.Fatalf("nothing should have closed")
	}
}

func TestStartRejectedWhileOpen(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs(pgxmock.AnyArg(), "user-1", "loc-1", "Site A", "#ff0000", pgxmock.AnyArg(), "manual").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	svc := NewService(mock, nil)
	_, err := svc.Start(context.Background(), siteA())
	if !apperror.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStopScenarioDuration(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	entry := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	exit := time.Date(2024, 3, 1, 17, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`UPDATE sessions`).
		WithArgs("user-1", exit).
		WillReturnRows(closedRow("sess-1", entry, exit, 30))

	svc := NewService(mock, nil)
	sess, err := svc.Stop(context.Background(), "user-1", exit)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}

	computed := Compute(sess, exit)
	if computed.Status != "finished" {
		t.Fatalf("expected finished, got %s", computed.Status)
	}
	if computed.DurationMinutes != 450 {
		t.Fatalf("expected 450 billable minutes, got %d", computed.DurationMinutes)
	}
}

func TestStopWithoutOpenSession(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	mock.ExpectQuery(`UPDATE sessions`).
		WithArgs("user-1", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	svc := NewService(mock, nil)
	_, err := svc.Stop(context.Background(), "user-1", time.Now())
	if !apperror.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	mock.ExpectExec(`UPDATE sessions`).
		WithArgs("user-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE sessions`).
		WithArgs("user-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	svc := NewService(mock, nil)
	if err := svc.Pause(context.Background(), "user-1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := svc.Resume(context.Background(), "user-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
}

func TestPauseWithoutOpenSession(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	mock.ExpectExec(`UPDATE sessions`).
		WithArgs("user-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	svc := NewService(mock, nil)
	if err := svc.Pause(context.Background(), "user-1"); !apperror.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEditSetsManualFlag(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	entry := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	exit := time.Date(2024, 3, 1, 17, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, owner_id, location_id`).
		WithArgs("sess-1", "user-1").
		WillReturnRows(closedRow("sess-1", entry, exit, 0))

	newExit := exit.Add(-time.Hour)
	mock.ExpectQuery(`UPDATE sessions`).
		WithArgs("sess-1", "user-1", entry, &newExit, 0, "left early").
		WillReturnRows(pgxmock.NewRows([]string{"updated_at"}).AddRow(time.Now()))

	svc := NewService(mock, nil)
	sess, err := svc.Edit(context.Background(), "user-1", "sess-1", EditRequest{
		ExitAt: &newExit, Reason: "left early",
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !sess.ManuallyEdited || sess.EditReason != "left early" {
		t.Fatalf("edit must tag the session: %+v", sess)
	}
	if sess.SyncedAt != nil {
		t.Fatalf("edit must clear synced_at")
	}
}

func TestEditExitBeforeEntryRejected(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	entry := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	exit := time.Date(2024, 3, 1, 17, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, owner_id, location_id`).
		WithArgs("sess-1", "user-1").
		WillReturnRows(closedRow("sess-1", entry, exit, 0))

	badExit := entry.Add(-time.Hour)
	svc := NewService(mock, nil)
	_, err := svc.Edit(context.Background(), "user-1", "sess-1", EditRequest{
		ExitAt: &badExit, Reason: "typo",
	})
	if !apperror.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEditRequiresReason(t *testing.T) {
	svc := NewService(nil, nil)
	_, err := svc.Edit(context.Background(), "user-1", "sess-1", EditRequest{})
	if !apperror.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDeleteOpenSessionRejected(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT id, owner_id, location_id`).
		WithArgs("sess-1", "user-1").
		WillReturnRows(openRow("sess-1", time.Now().Add(-time.Hour)))

	svc := NewService(mock, nil)
	err := svc.Delete(context.Background(), "user-1", "sess-1")
	if !apperror.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDeleteFinishedSession(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	entry := time.Now().Add(-8 * time.Hour)
	mock.ExpectQuery(`SELECT id, owner_id, location_id`).
		WithArgs("sess-1", "user-1").
		WillReturnRows(closedRow("sess-1", entry, entry.Add(8*time.Hour), 0))

	mock.ExpectExec(`UPDATE sessions`).
		WithArgs("sess-1", "user-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	svc := NewService(mock, nil)
	if err := svc.Delete(context.Background(), "user-1", "sess-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestCreateManualClosedRecord(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	entry := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	exit := entry.Add(8 * time.Hour)

	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs(pgxmock.AnyArg(), "user-1", "loc-1", "Site A", "#ff0000", entry, &exit, "sick day", 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	svc := NewService(mock, nil)
	sess, err := svc.CreateManual(context.Background(), siteA(), ManualRequest{
		LocationID: "loc-1", EntryAt: entry, ExitAt: &exit, Reason: "sick day",
	})
	if err != nil {
		t.Fatalf("manual: %v", err)
	}
	if sess.Type != TypeManual || !sess.ManuallyEdited {
		t.Fatalf("manual record must be tagged: %+v", sess)
	}
}

func TestCreateManualExitBeforeEntry(t *testing.T) {
	svc := NewService(nil, nil)
	entry := time.Now()
	bad := entry.Add(-time.Hour)
	_, err := svc.CreateManual(context.Background(), siteA(), ManualRequest{
		LocationID: "loc-1", EntryAt: entry, ExitAt: &bad,
	})
	if !apperror.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCurrentNone(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT id, owner_id, location_id`).
		WithArgs("user-1").
		WillReturnError(pgx.ErrNoRows)

	svc := NewService(mock, nil)
	sess, err := svc.Current(context.Background(), "user-1")
	if err != nil || sess != nil {
		t.Fatalf("expected no open session: %v %+v", err, sess)
	}
}

func TestRangeComputesStatus(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	entry := time.Now().Add(-2 * time.Hour)
	mock.ExpectQuery(`SELECT id, owner_id, location_id`).
		WithArgs("user-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(openRow("sess-1", entry))

	svc := NewService(mock, nil)
	out, err := svc.Range(context.Background(), "user-1", entry.Add(-time.Hour), time.Now())
	if err != nil || len(out) != 1 {
		t.Fatalf("range: %v (%d rows)", err, len(out))
	}
	if out[0].Status != "active" {
		t.Fatalf("expected active session, got %s", out[0].Status)
	}
	if out[0].DurationMinutes < 115 || out[0].DurationMinutes > 125 {
		t.Fatalf("unexpected duration: %d", out[0].DurationMinutes)
	}
}

func TestRangeQueryError(t *testing.T) {
	mock := newMock(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT id, owner_id, location_id`).
		WithArgs("user-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errSession)

	svc := NewService(mock, nil)
	_, err := svc.Range(context.Background(), "user-1", time.Now().Add(-time.Hour), time.Now())
	if err == nil {
		t.Fatalf("expected error")
	}
}
