package audit

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/odyssey-erp/trustcore/internal/shared"
)

func newIntegrityFixture(t *testing.T) (*IntegrityService, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	svc := NewIntegrityService(IntegrityConfig{Store: store, Signer: newTestSigner(t), Workers: 4, BatchSize: 3})
	return svc, store
}

func signedActivity(t *testing.T, svc *IntegrityService, f Fields) Activity {
	t.Helper()
	sig, err := svc.GenerateSignature(f)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return Activity{
		Type: f.Type, Event: f.Event, Description: f.Description, Module: f.Module, UserID: f.UserID,
		SubjectType: f.SubjectType, SubjectID: f.SubjectID, Properties: f.Properties, IPAddress: f.IPAddress,
		UserAgent: f.UserAgent, Result: f.Result, RiskLevel: f.RiskLevel, CreatedAt: f.CreatedAt, Signature: sig,
	}
}

func TestVerifyActivityDetectsEveryFieldMutation(t *testing.T) {
	svc, _ := newIntegrityFixture(t)
	original := signedActivity(t, svc, sampleFields())
	if !svc.VerifyActivity(original) {
		t.Fatalf("fresh signature must verify")
	}
	for name, mutate := range fieldMutations() {
		f := original.Fields()
		mutate(&f)
		tampered := signedActivity(t, svc, f)
		tampered.Signature = original.Signature
		if svc.VerifyActivity(tampered) {
			t.Fatalf("%s: tampered record verified", name)
		}
		if !svc.DetectTamperingAttempt(tampered, original.Fields()) {
			t.Fatalf("%s: tampering not detected against snapshot", name)
		}
	}
}

func TestVerifyActivityDescriptionScenario(t *testing.T) {
	svc, _ := newIntegrityFixture(t)
	a := signedActivity(t, svc, Fields{Type: "login", Result: ResultFailed, IPAddress: "10.0.0.1", CreatedAt: time.Now()})
	a.Description = "nothing to see here"
	if svc.VerifyActivity(a) {
		t.Fatalf("expected verification failure after description change")
	}
	if got := ChangedFields(a, Fields{Type: "login", Result: ResultFailed, IPAddress: "10.0.0.1", CreatedAt: a.CreatedAt}); !reflect.DeepEqual(got, []string{"description"}) {
		t.Fatalf("unexpected changed fields %v", got)
	}
}

func TestVerifyActivityIgnoresUnsignedFields(t *testing.T) {
	svc, _ := newIntegrityFixture(t)
	a := signedActivity(t, svc, sampleFields())
	a.ID = 999
	if !svc.VerifyActivity(a) {
		t.Fatalf("id is not signed and must not affect verification")
	}
}

func TestVerifyActivityFailsClosed(t *testing.T) {
	svc, _ := newIntegrityFixture(t)
	a := signedActivity(t, svc, sampleFields())

	missing := a
	missing.Signature = ""
	if svc.VerifyActivity(missing) {
		t.Fatalf("missing signature must not verify")
	}
	corrupt := a
	corrupt.Properties = json.RawMessage(`{"a":`)
	if svc.VerifyActivity(corrupt) {
		t.Fatalf("corrupted properties must not verify")
	}
	notObject := a
	notObject.Properties = json.RawMessage(`[1,2]`)
	if svc.VerifyActivity(notObject) {
		t.Fatalf("non-object properties must not verify")
	}
}

func TestVerifyBatchIsolatesFailures(t *testing.T) {
	svc, _ := newIntegrityFixture(t)
	var batch []Activity
	for i := int64(1); i <= 6; i++ {
		f := sampleFields()
		f.SubjectID = strconv.FormatInt(i, 10)
		a := signedActivity(t, svc, f)
		a.ID = i
		batch = append(batch, a)
	}
	batch[1].Properties = json.RawMessage(`not json`)
	batch[4].Description = "changed"

	got := svc.VerifyBatch(context.Background(), batch)
	want := map[int64]bool{1: true, 2: false, 3: true, 4: true, 5: false, 6: true}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected results %v", got)
	}
}

func TestVerifyBatchCancelledReportsFalse(t *testing.T) {
	svc, _ := newIntegrityFixture(t)
	a := signedActivity(t, svc, sampleFields())
	a.ID = 1
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := svc.VerifyBatch(ctx, []Activity{a}); got[1] {
		t.Fatalf("unverified record reported valid")
	}
}

func seedStore(t *testing.T, svc *IntegrityService, store *MemoryStore, n int) []Activity {
	t.Helper()
	out := make([]Activity, 0, n)
	for i := 0; i < n; i++ {
		f := sampleFields()
		f.CreatedAt = f.CreatedAt.Add(time.Duration(i) * time.Minute)
		stored, err := store.Insert(context.Background(), signedActivity(t, svc, f))
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		out = append(out, stored)
	}
	return out
}

func TestPerformIntegrityCheckClassifies(t *testing.T) {
	svc, store := newIntegrityFixture(t)
	rows := seedStore(t, svc, store, 8)
	store.rows[2].Description = "tampered"
	store.rows[5].Signature = ""
	store.rows[6].Properties = json.RawMessage(`{bad`)

	report, err := svc.PerformIntegrityCheck(context.Background(), CheckOptions{})
	if err != nil {
		t.Fatalf("integrity check: %v", err)
	}
	if report.Status != ReportCompleted {
		t.Fatalf("expected completed, got %s", report.Status)
	}
	if report.TotalChecked != 8 || report.ValidRecords != 5 || report.InvalidRecords != 2 || report.MissingSignatures != 1 {
		t.Fatalf("unexpected counts %+v", report)
	}
	if want := []int64{rows[2].ID, rows[6].ID}; !reflect.DeepEqual(report.CorruptedRecords, want) {
		t.Fatalf("expected corrupted %v, got %v", want, report.CorruptedRecords)
	}
	if report.ID == "" || report.FinishedAt.Before(report.StartedAt) {
		t.Fatalf("report metadata missing: %+v", report)
	}
}

func TestPerformIntegrityCheckLimit(t *testing.T) {
	svc, store := newIntegrityFixture(t)
	seedStore(t, svc, store, 10)
	report, err := svc.PerformIntegrityCheck(context.Background(), CheckOptions{BatchSize: 4, Limit: 6})
	if err != nil {
		t.Fatalf("integrity check: %v", err)
	}
	if report.TotalChecked != 6 {
		t.Fatalf("expected 6 checked, got %d", report.TotalChecked)
	}
}

func TestPerformIntegrityCheckCancelled(t *testing.T) {
	svc, store := newIntegrityFixture(t)
	seedStore(t, svc, store, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := svc.PerformIntegrityCheck(ctx, CheckOptions{})
	if err != nil {
		t.Fatalf("cancelled check must not error: %v", err)
	}
	if report.Status != ReportIncomplete {
		t.Fatalf("expected incomplete, got %s", report.Status)
	}
	if report.TotalChecked == 5 {
		t.Fatalf("cancelled scan claims full coverage")
	}
}

func TestPerformIntegrityCheckRequiresKey(t *testing.T) {
	store := NewMemoryStore()
	store.rows = append(store.rows, Activity{ID: 1, Type: "view", Event: "x.viewed", Module: "x", Signature: "v1:00"})
	unsigned, err := NewSigner(nil)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	svc := NewIntegrityService(IntegrityConfig{Store: store, Signer: unsigned})
	report, err := svc.PerformIntegrityCheck(context.Background(), CheckOptions{})
	if !errors.Is(err, shared.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if report.TotalChecked != 0 || len(report.CorruptedRecords) != 0 {
		t.Fatalf("unconfigured check must not classify records: %+v", report)
	}
}

func TestRegenerateSignature(t *testing.T) {
	svc, store := newIntegrityFixture(t)
	rows := seedStore(t, svc, store, 1)
	store.rows[0].Description = "corrected"

	before, _ := store.Get(context.Background(), rows[0].ID)
	if svc.VerifyActivity(before) {
		t.Fatalf("expected mismatch before regeneration")
	}
	sig, err := svc.RegenerateSignature(context.Background(), rows[0].ID)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	after, _ := store.Get(context.Background(), rows[0].ID)
	if after.Signature != sig || !svc.VerifyActivity(after) {
		t.Fatalf("regenerated signature not persisted")
	}
	if _, err := svc.RegenerateSignature(context.Background(), 404); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
