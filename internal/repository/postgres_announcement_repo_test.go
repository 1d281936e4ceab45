package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/campusmate/campusfeed/internal/model"
)

var announcementColumns = []string{
	"id", "title", "content", "link", "author", "department", "category", "source",
	"posted_at", "content_hash", "created_at", "updated_at",
}

func newAnnouncement(id string) *model.Announcement {
	posted := time.Date(2024, 3, 2, 10, 0, 0, 0, time.FixedZone("KST", 9*3600))
	now := time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)
	return &model.Announcement{
		ID:          id,
		Title:       "수강신청 안내",
		Content:     "본문",
		Link:        "https://www.example.ac.kr/a/1",
		Author:      "학사팀",
		Department:  "학사팀",
		Category:    "학사",
		Source:      "univ-notice",
		PostedAt:    &posted,
		ContentHash: "hash",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestFindByID_Found(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	a := newAnnouncement("id-1")
	mock.ExpectQuery(`SELECT id, title, content, link`).
		WithArgs("id-1").
		WillReturnRows(sqlmock.NewRows(announcementColumns).AddRow(
			a.ID, a.Title, a.Content, a.Link, a.Author, a.Department, a.Category, a.Source,
			*a.PostedAt, a.ContentHash, a.CreatedAt, a.UpdatedAt,
		))

	repo := NewPostgresAnnouncementRepo(db)
	got, err := repo.FindByID(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if got == nil {
		t.Fatal("expected announcement, got nil")
	}
	if got.Title != a.Title || got.ContentHash != "hash" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.PostedAt == nil || !got.PostedAt.Equal(*a.PostedAt) {
		t.Errorf("PostedAt = %v, want %v", got.PostedAt, a.PostedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestFindByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT id, title`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(announcementColumns))

	got, err := NewPostgresAnnouncementRepo(db).FindByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestFindByID_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT id, title`).WillReturnError(errors.New("connection reset"))

	if _, err := NewPostgresAnnouncementRepo(db).FindByID(context.Background(), "x"); err == nil {
		t.Fatal("expected error, got nil")
	}
}

// expectSavepoint は操作を囲むSAVEPOINTの期待値を登録する。
func expectSavepoint(mock sqlmock.Sqlmock, i int) {
	mock.ExpectExec(fmt.Sprintf(`^SAVEPOINT announcement_op_%d$`, i)).WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectRelease(mock sqlmock.Sqlmock, i int) {
	mock.ExpectExec(fmt.Sprintf(`^RELEASE SAVEPOINT announcement_op_%d$`, i)).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestCommitBatch_InsertAndUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	ins := newAnnouncement("new")
	upd := newAnnouncement("old")

	mock.ExpectBegin()
	expectSavepoint(mock, 0)
	mock.ExpectExec(`INSERT INTO announcements`).
		WithArgs(ins.ID, ins.Title, ins.Content, ins.Link, ins.Author, ins.Department,
			ins.Category, ins.Source, *ins.PostedAt, ins.ContentHash, ins.CreatedAt, ins.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectRelease(mock, 0)
	expectSavepoint(mock, 1)
	mock.ExpectExec(`UPDATE announcements SET`).
		WithArgs(upd.ID, upd.Title, upd.Content, upd.Link, upd.Author, upd.Department,
			upd.Category, upd.Source, *upd.PostedAt, upd.ContentHash, upd.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectRelease(mock, 1)
	mock.ExpectCommit()

	failures, err := NewPostgresAnnouncementRepo(db).CommitBatch(context.Background(), []model.WriteOp{
		{Kind: model.WriteInsert, Record: ins},
		{Kind: model.WriteUpdate, Record: upd},
	})
	if err != nil {
		t.Fatalf("CommitBatch returned error: %v", err)
	}
	if len(failures) != 0 {
		t.Errorf("failures = %v, want none", failures)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// TestCommitBatch_RecordFailureIsIsolated は1件の書き込み失敗がその操作だけを巻き戻し、
// 同じバッチの他の操作はコミットされることを検証する。
func TestCommitBatch_RecordFailureIsIsolated(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	expectSavepoint(mock, 0)
	mock.ExpectExec(`INSERT INTO announcements`).WithArgs("a", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		sqlmock.AnyArg(), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	expectRelease(mock, 0)
	expectSavepoint(mock, 1)
	mock.ExpectExec(`INSERT INTO announcements`).WillReturnError(errors.New("value too long for type character varying"))
	mock.ExpectExec(`^ROLLBACK TO SAVEPOINT announcement_op_1$`).WillReturnResult(sqlmock.NewResult(0, 0))
	expectSavepoint(mock, 2)
	mock.ExpectExec(`INSERT INTO announcements`).WithArgs("c", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		sqlmock.AnyArg(), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	expectRelease(mock, 2)
	mock.ExpectCommit()

	failures, err := NewPostgresAnnouncementRepo(db).CommitBatch(context.Background(), []model.WriteOp{
		{Kind: model.WriteInsert, Record: newAnnouncement("a")},
		{Kind: model.WriteInsert, Record: newAnnouncement("b")},
		{Kind: model.WriteInsert, Record: newAnnouncement("c")},
	})
	if err != nil {
		t.Fatalf("a record failure must not fail the batch: %v", err)
	}
	if len(failures) != 1 || failures[0].Op.Record.ID != "b" {
		t.Fatalf("failures = %+v, want only b", failures)
	}
	if failures[0].Err == nil {
		t.Error("failure should carry the cause")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCommitBatch_CommitErrorFailsBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	expectSavepoint(mock, 0)
	mock.ExpectExec(`INSERT INTO announcements`).WillReturnResult(sqlmock.NewResult(0, 1))
	expectRelease(mock, 0)
	mock.ExpectCommit().WillReturnError(errors.New("could not serialize access"))

	_, err = NewPostgresAnnouncementRepo(db).CommitBatch(context.Background(), []model.WriteOp{
		{Kind: model.WriteInsert, Record: newAnnouncement("a")},
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCommitBatch_SavepointRollbackErrorFailsBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	expectSavepoint(mock, 0)
	mock.ExpectExec(`INSERT INTO announcements`).WillReturnError(errors.New("deadlock detected"))
	mock.ExpectExec(`^ROLLBACK TO SAVEPOINT announcement_op_0$`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err = NewPostgresAnnouncementRepo(db).CommitBatch(context.Background(), []model.WriteOp{
		{Kind: model.WriteInsert, Record: newAnnouncement("a")},
		{Kind: model.WriteInsert, Record: newAnnouncement("b")},
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCommitBatch_Empty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	if _, err := NewPostgresAnnouncementRepo(db).CommitBatch(context.Background(), nil); err != nil {
		t.Fatalf("CommitBatch(nil) returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("empty batch should not touch the database: %v", err)
	}
}

func TestCommitBatch_NilPostedAtFallsBackToUpdatedAt(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	a := newAnnouncement("no-date")
	a.PostedAt = nil

	mock.ExpectBegin()
	expectSavepoint(mock, 0)
	mock.ExpectExec(`INSERT INTO announcements`).
		WithArgs(a.ID, a.Title, a.Content, a.Link, a.Author, a.Department,
			a.Category, a.Source, a.UpdatedAt, a.ContentHash, a.CreatedAt, a.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectRelease(mock, 0)
	mock.ExpectCommit()

	_, err = NewPostgresAnnouncementRepo(db).CommitBatch(context.Background(), []model.WriteOp{
		{Kind: model.WriteInsert, Record: a},
	})
	if err != nil {
		t.Fatalf("CommitBatch returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCommitBatch_InvalidOpIsReportedNotExecuted(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	failures, err := NewPostgresAnnouncementRepo(db).CommitBatch(context.Background(), []model.WriteOp{
		{Kind: "delete", Record: newAnnouncement("x")},
		{Kind: model.WriteInsert, Record: nil},
	})
	if err != nil {
		t.Fatalf("CommitBatch returned error: %v", err)
	}
	if len(failures) != 2 {
		t.Errorf("failures = %d, want 2", len(failures))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
