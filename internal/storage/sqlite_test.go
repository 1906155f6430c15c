package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestIndexesExist verifies the migration creates the expected indexes.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_mark_records_created", "idx_jobs_pending"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

// TestKVRoundTrip covers set, get, overwrite, and delete.
func TestKVRoundTrip(t *testing.T) {
	s := openTestStore(t)

	key := "vysti_dismissed__mark_abc"
	if err := s.SetValue(key, `["Weak verbs"]`); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	got, err := s.GetValue(key)
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if got != `["Weak verbs"]` {
		t.Errorf("value = %q", got)
	}

	if err := s.SetValue(key, `["Weak verbs","Missing thesis"]`); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = s.GetValue(key)
	if got != `["Weak verbs","Missing thesis"]` {
		t.Errorf("overwritten value = %q", got)
	}

	if err := s.DeleteValue(key); err != nil {
		t.Fatalf("DeleteValue: %v", err)
	}
	if _, err := s.GetValue(key); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: err = %v, want ErrNotFound", err)
	}
}

func TestKVGetMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetValue("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// TestListKeysPrefix verifies prefix listing and that LIKE metacharacters in
// keys do not leak into the pattern.
func TestListKeysPrefix(t *testing.T) {
	s := openTestStore(t)

	for _, k := range []string{
		"vysti:draft:u1:essay",
		"vysti:draft:u1:report",
		"vysti:draft:u2:essay",
		"vysti_dismissed__mark_1",
	} {
		if err := s.SetValue(k, "x"); err != nil {
			t.Fatalf("SetValue(%q): %v", k, err)
		}
	}

	keys, err := s.ListKeys("vysti:draft:u1:")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys = %v, want 2 entries", keys)
	}
	if keys[0] != "vysti:draft:u1:essay" || keys[1] != "vysti:draft:u1:report" {
		t.Errorf("keys = %v, want sorted u1 drafts", keys)
	}

	// Underscore is a LIKE wildcard; it must be treated literally.
	keys, err = s.ListKeys("vysti_dismissed__")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "vysti_dismissed__mark_1" {
		t.Errorf("keys = %v, want only the dismissed set", keys)
	}
}

func TestSaveAndGetMarkRecord(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	want := MarkRecord{
		ID:             "mark-001",
		CreatedAt:      now,
		FileName:       "essay.docx",
		AssignmentName: "Essay 1",
		Mode:           "analytic",
		Source:         "upload",
		Blob:           []byte("marked-bytes"),
		TechniquesJSON: `["metaphor"]`,
	}
	if err := s.SaveMarkRecord(want); err != nil {
		t.Fatalf("SaveMarkRecord: %v", err)
	}

	got, err := s.GetMarkRecord("mark-001")
	if err != nil {
		t.Fatalf("GetMarkRecord: %v", err)
	}
	if got.FileName != want.FileName || got.Mode != want.Mode || got.AssignmentName != want.AssignmentName {
		t.Errorf("record = %+v", got)
	}
	if string(got.Blob) != "marked-bytes" {
		t.Errorf("blob = %q", got.Blob)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, now)
	}
}

func TestGetMarkRecordMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetMarkRecord("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// TestListMarkRecordsNewestFirst verifies ordering, the limit, and that
// listed records carry their blobs.
func TestListMarkRecordsNewestFirst(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := MarkRecord{
			ID:        fmt.Sprintf("mark-%03d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			FileName:  fmt.Sprintf("essay-%d.docx", i),
			Mode:      "analytic",
			Blob:      []byte("blob"),
		}
		if err := s.SaveMarkRecord(rec); err != nil {
			t.Fatalf("SaveMarkRecord: %v", err)
		}
	}

	records, err := s.ListMarkRecords(3)
	if err != nil {
		t.Fatalf("ListMarkRecords: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[0].ID != "mark-004" || records[2].ID != "mark-002" {
		t.Errorf("order = %s..%s, want mark-004..mark-002", records[0].ID, records[2].ID)
	}
	if string(records[0].Blob) != "blob" {
		t.Errorf("listed blob = %q", records[0].Blob)
	}
}

func TestDeleteMarkRecord(t *testing.T) {
	s := openTestStore(t)

	rec := MarkRecord{ID: "mark-001", CreatedAt: time.Now(), FileName: "f.docx", Mode: "analytic"}
	if err := s.SaveMarkRecord(rec); err != nil {
		t.Fatalf("SaveMarkRecord: %v", err)
	}
	if err := s.DeleteMarkRecord("mark-001"); err != nil {
		t.Fatalf("DeleteMarkRecord: %v", err)
	}
	if err := s.DeleteMarkRecord("mark-001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
}

// TestJobLifecycle enqueues a job, claims it, and completes it.
func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)

	job := Job{ID: "job-001", Type: "dismiss_feedback", PayloadJSON: `{"label":"Weak verbs"}`}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	claimed, err := s.ClaimNextJob([]string{"dismiss_feedback"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if claimed == nil {
		t.Fatal("no job claimed")
	}
	if claimed.ID != "job-001" || claimed.Status != "running" {
		t.Errorf("claimed = %+v", claimed)
	}

	// The running job is invisible to a second claim.
	again, err := s.ClaimNextJob([]string{"dismiss_feedback"})
	if err != nil {
		t.Fatalf("second ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("claimed running job again: %+v", again)
	}

	if err := s.CompleteJob("job-001"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
}

func TestClaimNextJobIgnoresOtherTypes(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "job-001", Type: "other", PayloadJSON: "{}"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	claimed, err := s.ClaimNextJob([]string{"dismiss_feedback"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if claimed != nil {
		t.Errorf("claimed job of wrong type: %+v", claimed)
	}
}

// TestFailJobRetriesWithBackoff verifies attempts increment with a future
// run_after, then terminal failure at max attempts.
func TestFailJobRetriesWithBackoff(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "job-001", Type: "dismiss_feedback", PayloadJSON: "{}", MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"dismiss_feedback"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	if err := s.FailJob("job-001", "network unreachable"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	var status string
	var attempts int
	if err := s.db.QueryRow("SELECT status, attempts FROM jobs WHERE id = 'job-001'").Scan(&status, &attempts); err != nil {
		t.Fatalf("querying job: %v", err)
	}
	if status != "pending" || attempts != 1 {
		t.Errorf("after first failure: status=%q attempts=%d", status, attempts)
	}

	// Backoff pushed run_after into the future, so an immediate claim skips it.
	claimed, err := s.ClaimNextJob([]string{"dismiss_feedback"})
	if err != nil {
		t.Fatalf("ClaimNextJob after backoff: %v", err)
	}
	if claimed != nil {
		t.Errorf("claimed backed-off job: %+v", claimed)
	}

	if err := s.FailJob("job-001", "still unreachable"); err != nil {
		t.Fatalf("second FailJob: %v", err)
	}
	var lastError string
	if err := s.db.QueryRow("SELECT status, last_error FROM jobs WHERE id = 'job-001'").Scan(&status, &lastError); err != nil {
		t.Fatalf("querying job: %v", err)
	}
	if status != "failed" {
		t.Errorf("status = %q, want failed", status)
	}
	if lastError != "still unreachable" {
		t.Errorf("last_error = %q", lastError)
	}
}
