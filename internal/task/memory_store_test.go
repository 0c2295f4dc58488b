package task

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"Sentinel-Protocol/internal/trigger"
)

func newTask(id, reason string) *Task {
	return &Task{
		ID:         id,
		Trigger:    trigger.Trigger{Reason: reason, Portfolio: trigger.Portfolio{"ETH": decimal.NewFromInt(2)}},
		Source:     SourceAPI,
		Status:     StatusPending,
		MaxRetries: 3,
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Minute)

	for _, task := range []*Task{newTask("t1", "rebalance"), newTask("t2", "price drop"), newTask("t3", "weekly")} {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
	}
	if err := store.MarkFailed(ctx, "t2", CodeTaskProcessing, "boom", nil, true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.Complete(ctx, "t3", StatusAuthorized, RunRecord{RunID: "r3", Reason: "Action is authorized."}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base.Unix()
	store.tasks["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["t3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "t3" {
		t.Fatalf("expected newest task first, got %+v", all)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "t2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	withResult, err := store.List(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
	if err != nil {
		t.Fatalf("list with result: %v", err)
	}
	if len(withResult) != 1 || withResult[0].Result.RunID != "r3" {
		t.Fatalf("unexpected result list: %+v", withResult)
	}

	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(base.Add(15 * time.Second))}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 tasks to match since filter, got %d", len(recent))
	}

	byQuery, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("PRICE")}))
	if err != nil {
		t.Fatalf("list by query: %v", err)
	}
	if len(byQuery) != 1 || byQuery[0].ID != "t2" {
		t.Fatalf("unexpected query list: %+v", byQuery)
	}

	asc, err := store.List(ctx, buildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc), WithLimit(1), WithOffset(1)}))
	if err != nil {
		t.Fatalf("list asc: %v", err)
	}
	if len(asc) != 1 || asc[0].ID != "t2" {
		t.Fatalf("unexpected paged list: %+v", asc)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := store.Create(ctx, newTask(id, "g")); err != nil {
			t.Fatalf("create task %s: %v", id, err)
		}
	}
	if err := store.MarkFailed(ctx, "b", CodeTaskProcessing, "boom", nil, true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.Complete(ctx, "c", StatusAuthorized, RunRecord{RunID: "rc"}); err != nil {
		t.Fatalf("complete c: %v", err)
	}
	if err := store.Complete(ctx, "d", StatusRejected, RunRecord{RunID: "rd", Reason: "Action type 'bridge' not allowed."}); err != nil {
		t.Fatalf("complete d: %v", err)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Pending != 1 || stats.Failed != 1 || stats.Authorized != 1 || stats.Rejected != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	withoutResults, err := store.Stats(ctx, buildListOptions([]ListOption{WithResultPresence(false)}))
	if err != nil {
		t.Fatalf("stats without result: %v", err)
	}
	if withoutResults.Total != 2 {
		t.Fatalf("unexpected stats without result: %+v", withoutResults)
	}

	rejected, err := store.Get(ctx, "d")
	if err != nil {
		t.Fatalf("get d: %v", err)
	}
	if rejected.ErrorCode != string(CodeTaskRejected) || rejected.LastError == "" {
		t.Fatalf("rejected task should carry the verdict reason: %+v", rejected)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	task := newTask("x", "g")
	task.MaxRetries = 2
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, newTask("x", "dup")); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	claimed, err := store.Claim(ctx, "x")
	if err != nil || claimed.Attempts != 1 || claimed.Status != StatusRunning {
		t.Fatalf("first claim: %+v %v", claimed, err)
	}
	if _, err := store.Claim(ctx, "x"); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("claiming a running task should conflict, got %v", err)
	}
	if err := store.MarkFailed(ctx, "x", CodeTaskProcessing, "oracle down", nil, false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if claimed, err = store.Claim(ctx, "x"); err != nil || claimed.Attempts != 2 {
		t.Fatalf("retry claim: %+v %v", claimed, err)
	}
	if err := store.MarkFailed(ctx, "x", CodeTaskProcessing, "oracle down", nil, false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "x"); !IsTaskError(err, CodeTaskExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}

	if err := store.Create(ctx, newTask("y", "g")); err != nil {
		t.Fatalf("create y: %v", err)
	}
	if err := store.MarkFailed(ctx, "y", CodeTaskProcessing, "malformed", nil, true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "y"); !IsTaskError(err, CodeTaskCompleted) {
		t.Fatalf("terminal failure must not be claimed again, got %v", err)
	}
	if _, err := store.Claim(ctx, "missing"); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
