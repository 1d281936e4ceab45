package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/campusmate/campusfeed/internal/model"
)

const insertAnnouncementSQL = `INSERT INTO announcements
	(id, title, content, link, author, department, category, source,
	 posted_at, content_hash, created_at, updated_at)
 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
 ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	content = EXCLUDED.content,
	link = EXCLUDED.link,
	author = EXCLUDED.author,
	department = EXCLUDED.department,
	category = EXCLUDED.category,
	source = EXCLUDED.source,
	posted_at = EXCLUDED.posted_at,
	content_hash = EXCLUDED.content_hash,
	updated_at = EXCLUDED.updated_at`

const updateAnnouncementSQL = `UPDATE announcements SET
	title = $2, content = $3, link = $4, author = $5, department = $6,
	category = $7, source = $8, posted_at = $9, content_hash = $10,
	updated_at = $11
 WHERE id = $1`

// PostgresAnnouncementRepo はPostgreSQLを使用した公告リポジトリ。
type PostgresAnnouncementRepo struct {
	db *sql.DB
}

// NewPostgresAnnouncementRepo はPostgresAnnouncementRepoを生成する。
func NewPostgresAnnouncementRepo(db *sql.DB) *PostgresAnnouncementRepo {
	return &PostgresAnnouncementRepo{db: db}
}

// FindByID は指定IDの公告を取得する。見つからない場合はnilを返す。
func (r *PostgresAnnouncementRepo) FindByID(ctx context.Context, id string) (*model.Announcement, error) {
	a := &model.Announcement{}
	var postedAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT id, title, content, link, author, department, category, source,
		        posted_at, content_hash, created_at, updated_at
		 FROM announcements WHERE id = $1`,
		id,
	).Scan(
		&a.ID, &a.Title, &a.Content, &a.Link, &a.Author, &a.Department,
		&a.Category, &a.Source, &postedAt, &a.ContentHash, &a.CreatedAt, &a.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("公告の取得に失敗しました: %w", err)
	}

	if postedAt.Valid {
		a.PostedAt = &postedAt.Time
	}

	return a, nil
}

// CommitBatch は書き込み操作を1トランザクションでコミットする。
// 各操作はセーブポイントで囲み、失敗した操作だけを巻き戻して残りの操作を続行する。
// insertはON CONFLICTでcreated_atを保持したまま上書きするため、
// 同じ操作が再送されても結果は変わらない。
func (r *PostgresAnnouncementRepo) CommitBatch(ctx context.Context, ops []model.WriteOp) ([]model.WriteFailure, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	var failures []model.WriteFailure
	for i, op := range ops {
		if err := validateWriteOp(op); err != nil {
			failures = append(failures, model.WriteFailure{Op: op, Err: fmt.Errorf("バッチの%d件目: %w", i, err)})
			continue
		}

		savepoint := fmt.Sprintf("announcement_op_%d", i)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
			return nil, fmt.Errorf("セーブポイントの作成に失敗しました: %w", err)
		}

		if err := execWriteOp(ctx, tx, op); err != nil {
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
				return nil, fmt.Errorf("セーブポイントへのロールバックに失敗しました: %w", rbErr)
			}
			failures = append(failures, model.WriteFailure{
				Op:  op,
				Err: fmt.Errorf("公告 %s の書き込みに失敗しました: %w", op.Record.ID, err),
			})
			continue
		}

		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
			return nil, fmt.Errorf("セーブポイントの解放に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("バッチのコミットに失敗しました: %w", err)
	}
	return failures, nil
}

func validateWriteOp(op model.WriteOp) error {
	if op.Record == nil {
		return fmt.Errorf("レコードがありません")
	}
	switch op.Kind {
	case model.WriteInsert, model.WriteUpdate:
		return nil
	default:
		return fmt.Errorf("未知の書き込み種別です: %s", op.Kind)
	}
}

func execWriteOp(ctx context.Context, tx *sql.Tx, op model.WriteOp) error {
	a := op.Record
	postedAt := a.UpdatedAt
	if a.PostedAt != nil {
		postedAt = *a.PostedAt
	}

	var err error
	if op.Kind == model.WriteInsert {
		_, err = tx.ExecContext(ctx, insertAnnouncementSQL,
			a.ID, a.Title, a.Content, a.Link, a.Author, a.Department,
			a.Category, a.Source, postedAt, a.ContentHash, a.CreatedAt, a.UpdatedAt,
		)
	} else {
		_, err = tx.ExecContext(ctx, updateAnnouncementSQL,
			a.ID, a.Title, a.Content, a.Link, a.Author, a.Department,
			a.Category, a.Source, postedAt, a.ContentHash, a.UpdatedAt,
		)
	}
	return err
}
