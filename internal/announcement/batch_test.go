package announcement

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/campusmate/campusfeed/internal/model"
)

// mockCommitter はテスト用のBatchCommitterモック。
type mockCommitter struct {
	batches [][]model.WriteOp
	err     error
	failIDs map[string]error
}

func (m *mockCommitter) CommitBatch(_ context.Context, ops []model.WriteOp) ([]model.WriteFailure, error) {
	if m.err != nil {
		return nil, m.err
	}
	var failures []model.WriteFailure
	cp := make([]model.WriteOp, 0, len(ops))
	for _, op := range ops {
		if err, ok := m.failIDs[op.Record.ID]; ok {
			failures = append(failures, model.WriteFailure{Op: op, Err: err})
			continue
		}
		cp = append(cp, op)
	}
	m.batches = append(m.batches, cp)
	return failures, nil
}

func insertOp(i int) model.WriteOp {
	return model.WriteOp{Kind: model.WriteInsert, Record: &model.Announcement{ID: fmt.Sprintf("id-%d", i)}}
}

func TestBatchWriter_CommitCount(t *testing.T) {
	tests := []struct {
		n, threshold, wantCommits int
	}{
		{0, 450, 0},
		{1, 450, 1},
		{450, 450, 1},
		{451, 450, 2},
		{1000, 450, 3},
		{10, 3, 4},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.n, tt.threshold), func(t *testing.T) {
			c := &mockCommitter{}
			w := NewBatchWriter(c, tt.threshold, nil)
			ctx := context.Background()

			for i := 0; i < tt.n; i++ {
				if err := w.Add(ctx, insertOp(i)); err != nil {
					t.Fatalf("Add: %v", err)
				}
			}
			if err := w.Flush(ctx); err != nil {
				t.Fatalf("Flush: %v", err)
			}

			if len(c.batches) != tt.wantCommits {
				t.Fatalf("commits = %d, want %d", len(c.batches), tt.wantCommits)
			}
			total := 0
			for _, b := range c.batches {
				if len(b) > tt.threshold {
					t.Errorf("batch size %d exceeds threshold %d", len(b), tt.threshold)
				}
				total += len(b)
			}
			if total != tt.n {
				t.Errorf("committed %d ops, want %d", total, tt.n)
			}
			if st := w.Stats(); st.Commits != tt.wantCommits || st.Inserted != tt.n {
				t.Errorf("Stats = %+v", st)
			}
			if w.Pending() != 0 {
				t.Errorf("Pending = %d after flush", w.Pending())
			}
		})
	}
}

func TestBatchWriter_CommitFailure(t *testing.T) {
	c := &mockCommitter{err: errors.New("too many operations")}
	w := NewBatchWriter(c, 2, nil)
	ctx := context.Background()

	if err := w.Add(ctx, insertOp(1)); err != nil {
		t.Fatalf("first Add should not commit: %v", err)
	}
	err := w.Add(ctx, insertOp(2))
	if !errors.Is(err, ErrBatchCommit) {
		t.Fatalf("expected ErrBatchCommit, got %v", err)
	}
	if st := w.Stats(); st.Failed != 2 || st.Commits != 0 {
		t.Errorf("Stats = %+v, want Failed=2 Commits=0", st)
	}
	if w.Pending() != 0 {
		t.Errorf("failed batch must be discarded, pending=%d", w.Pending())
	}
}

func TestBatchWriter_DefaultThreshold(t *testing.T) {
	w := NewBatchWriter(&mockCommitter{}, 0, nil)
	if w.threshold != DefaultBatchThreshold {
		t.Errorf("threshold = %d, want %d", w.threshold, DefaultBatchThreshold)
	}
}

func TestBatchWriter_RecordFailureCountedSeparately(t *testing.T) {
	c := &mockCommitter{failIDs: map[string]error{"id-1": errors.New("invalid byte sequence")}}
	w := NewBatchWriter(c, 10, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := w.Add(ctx, insertOp(i)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := w.Add(ctx, model.WriteOp{Kind: model.WriteUpdate, Record: &model.Announcement{ID: "upd"}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("a record failure must not fail the flush: %v", err)
	}

	st := w.Stats()
	if st.Inserted != 2 || st.Updated != 1 || st.Failed != 1 || st.Commits != 1 {
		t.Errorf("Stats = %+v, want Inserted=2 Updated=1 Failed=1 Commits=1", st)
	}
	if len(c.batches) != 1 || len(c.batches[0]) != 3 {
		t.Errorf("committed batches = %v, want one batch of 3", c.batches)
	}
}
