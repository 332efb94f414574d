package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/otpgate/otpgate/internal/otp/entity"
	"github.com/otpgate/otpgate/internal/pkg/goerror"
)

// memStore is a storage fake that keeps real issuance and verification
// semantics in memory: idempotency ledger, sliding rate windows, prior-code
// retirement, and single-winner consumption. Time is advanced explicitly.
type memStore struct {
	mu     sync.Mutex
	now    time.Time
	nextID int64

	codes  []*entity.OtpRecord
	rates  map[string][]time.Time
	ledger map[string]memLedgerRow
}

type memLedgerRow struct {
	hash      string
	response  []byte
	expiresAt time.Time
}

func newMemStore(start time.Time) *memStore {
	return &memStore{
		now:    start,
		rates:  map[string][]time.Time{},
		ledger: map[string]memLedgerRow{},
	}
}

func (m *memStore) advanceTo(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

func (m *memStore) usage(scope string, window time.Duration) entity.WindowUsage {
	cutoff := m.now.Add(-window)
	var in []time.Time
	for _, ts := range m.rates[scope] {
		if ts.After(cutoff) || ts.Equal(cutoff) {
			in = append(in, ts)
		}
	}
	sort.Slice(in, func(i, j int) bool { return in[i].Before(in[j]) })

	u := entity.WindowUsage{Count: len(in)}
	if len(in) > 0 {
		u.Oldest = in[0]
	}
	return u
}

func (m *memStore) IssueOTP(_ context.Context, cmd entity.IssueCommand, code string, pol entity.IssuePolicy) (entity.IssueOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if row, ok := m.ledger[cmd.IdempotencyKey]; ok {
		if m.now.Before(row.expiresAt) {
			if row.hash != cmd.RequestHash {
				return entity.IssueOutcome{Status: entity.IssueStatusKeyConflict}, nil
			}
			var receipt entity.IssueReceipt
			if err := json.Unmarshal(row.response, &receipt); err != nil {
				return entity.IssueOutcome{}, err
			}
			return entity.IssueOutcome{
				Status:         entity.IssueStatusReplayed,
				Receipt:        receipt,
				StoredResponse: row.response,
			}, nil
		}
		delete(m.ledger, cmd.IdempotencyKey)
	}

	userScope := entity.UserScopeKey(cmd.UserID)
	ipScope := entity.IPScopeKey(cmd.ClientIP)

	userAdm := entity.EvaluateWindow(m.usage(userScope, pol.Rate.Window), pol.Rate.UserLimit, pol.Rate.Window, m.now)
	if !userAdm.Allowed {
		return entity.IssueOutcome{Status: entity.IssueStatusRateLimited, Cooldown: userAdm.Cooldown}, nil
	}
	ipAdm := entity.EvaluateWindow(m.usage(ipScope, pol.Rate.Window), pol.Rate.IPLimit, pol.Rate.Window, m.now)
	if !ipAdm.Allowed {
		return entity.IssueOutcome{Status: entity.IssueStatusRateLimited, Cooldown: ipAdm.Cooldown}, nil
	}

	for _, rec := range m.codes {
		if rec.UserID == cmd.UserID && rec.Purpose == cmd.Purpose && !rec.IsUsed {
			rec.IsUsed = true
		}
	}

	m.nextID++
	rec := &entity.OtpRecord{
		ID:        m.nextID,
		UserID:    cmd.UserID,
		Purpose:   cmd.Purpose,
		Code:      code,
		CreatedAt: m.now,
		ExpiresAt: m.now.Add(pol.CodeTTL),
	}
	m.codes = append(m.codes, rec)

	m.rates[userScope] = append(m.rates[userScope], m.now)
	m.rates[ipScope] = append(m.rates[ipScope], m.now)

	receipt := entity.IssueReceipt{
		OtpID:             rec.ID,
		TTLSeconds:        int64(pol.CodeTTL / time.Second),
		RemainingRequests: userAdm.Remaining,
	}
	response, err := json.Marshal(receipt)
	if err != nil {
		return entity.IssueOutcome{}, err
	}
	m.ledger[cmd.IdempotencyKey] = memLedgerRow{
		hash:      cmd.RequestHash,
		response:  response,
		expiresAt: m.now.Add(pol.IdempotencyTTL),
	}

	return entity.IssueOutcome{
		Status:         entity.IssueStatusIssued,
		Receipt:        receipt,
		Code:           code,
		StoredResponse: response,
		IssuedAt:       m.now,
		ExpiresAt:      rec.ExpiresAt,
	}, nil
}

func (m *memStore) VerifyOTP(_ context.Context, userID, purpose, code string, pol entity.VerifyPolicy) (entity.VerifyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Newest record regardless of is_used, mirroring the storage layer:
	// a spent code reports CodeUsed rather than NotFound.
	var rec *entity.OtpRecord
	for _, c := range m.codes {
		if c.UserID == userID && c.Purpose == purpose {
			if rec == nil || c.ID > rec.ID {
				rec = c
			}
		}
	}
	if rec == nil {
		return entity.VerifyResult{Status: entity.VerifyStatusNotFound}, nil
	}

	dec := entity.EvaluateVerify(*rec, code, m.now, pol)
	switch dec.Mutation {
	case entity.MutateRetire, entity.MutateConsume:
		rec.IsUsed = true
	case entity.MutateRecordFailure:
		rec.AttemptCount = dec.AttemptCount
		rec.IsLocked = dec.Locked
		if dec.Locked {
			until := dec.LockedUntil
			rec.LockedUntil = &until
		}
	}

	return entity.VerifyResult{
		Status:            dec.Status,
		AttemptsRemaining: dec.AttemptsRemaining,
		RetryAfter:        dec.RetryAfter,
	}, nil
}

func (m *memStore) Prune(context.Context, time.Duration, time.Duration) (entity.PruneCounts, error) {
	return entity.PruneCounts{}, nil
}

func (m *memStore) activeCount(userID, purpose string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.codes {
		if c.UserID == userID && c.Purpose == purpose && !c.IsUsed {
			n++
		}
	}
	return n
}

func mustIssue(t *testing.T, u *Usecase, in IssueInput) *IssueOutput {
	t.Helper()

	out, err := u.Issue(context.Background(), in)
	if err != nil {
		t.Fatalf("Issue(%s/%s) error = %v", in.UserID, in.Purpose, err)
	}
	return out
}

// TestIssuanceLifecycleScenario walks one user through issuance, failed and
// concurrent verifications, and re-issuance inside a single rolling window,
// with a second user sharing the IP.
func TestIssuanceLifecycleScenario(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	store := newMemStore(start)
	msg := &fakeMessaging{}
	u := newTestUsecase(t, nil, nil)
	u.repoDB = store
	u.repoMessaging = msg

	const ip = "203.0.113.7"
	u1 := func(key string) IssueInput {
		return IssueInput{UserID: "u1", Purpose: "login", ClientIP: ip, IdempotencyKey: key}
	}

	// t=0: first issuance.
	out := mustIssue(t, u, u1("k1"))
	if out.Receipt.RemainingRequests != 2 {
		t.Fatalf("t=0 remaining = %d, want 2", out.Receipt.RemainingRequests)
	}

	// Same key replays byte for byte and publishes nothing new.
	replay, err := u.Issue(context.Background(), u1("k1"))
	if err != nil {
		t.Fatalf("replay error = %v", err)
	}
	if !replay.Replayed || !bytes.Equal(replay.Body, out.Body) {
		t.Fatalf("replay = %+v, want identical stored bytes", replay)
	}
	if got := len(msg.published()); got != 1 {
		t.Fatalf("published %d events after replay, want 1", got)
	}

	// t=180s: second issuance supersedes the first.
	store.advanceTo(start.Add(180 * time.Second))
	out = mustIssue(t, u, u1("k2"))
	if out.Receipt.RemainingRequests != 1 {
		t.Fatalf("t=180 remaining = %d, want 1", out.Receipt.RemainingRequests)
	}
	if got := store.activeCount("u1", "login"); got != 1 {
		t.Fatalf("active codes = %d, want 1 after supersede", got)
	}

	code := msg.published()[1].Code

	verify := func(c string) error {
		_, err := u.Verify(context.Background(), VerifyInput{UserID: "u1", Purpose: "login", Code: c})
		return err
	}
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	// t=240s, t=260s: two wrong attempts burn the budget down.
	store.advanceTo(start.Add(240 * time.Second))
	var gerr *goerror.Error
	if err := verify(wrong); !errors.As(err, &gerr) || gerr.Data()["attempts_remaining"] != int64(2) {
		t.Fatalf("t=240 verify = %v, want attempts_remaining 2", err)
	}
	store.advanceTo(start.Add(260 * time.Second))
	if err := verify(wrong); !errors.As(err, &gerr) || gerr.Data()["attempts_remaining"] != int64(1) {
		t.Fatalf("t=260 verify = %v, want attempts_remaining 1", err)
	}

	// t=280s: the correct code submitted twice concurrently; exactly one wins.
	store.advanceTo(start.Add(280 * time.Second))
	results := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := range 2 {
		go func() {
			defer wg.Done()
			results[i] = verify(code)
		}()
	}
	wg.Wait()

	var ok, used int
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		if errors.As(err, &gerr) && gerr.Code() == goerror.CodeGone {
			used++
		}
	}
	if ok != 1 || used != 1 {
		t.Fatalf("concurrent verify: ok=%d used=%d, want 1/1", ok, used)
	}

	// t=310s: third issuance exhausts the user quota.
	store.advanceTo(start.Add(310 * time.Second))
	out = mustIssue(t, u, u1("k3"))
	if out.Receipt.RemainingRequests != 0 {
		t.Fatalf("t=310 remaining = %d, want 0", out.Receipt.RemainingRequests)
	}

	// A fourth user issuance within the window is denied with the cooldown
	// anchored on the oldest entry: 900 - 310 = 590s.
	_, err = u.Issue(context.Background(), u1("k4"))
	if !errors.As(err, &gerr) || gerr.Code() != goerror.CodeTooManyRequest {
		t.Fatalf("4th issue = %v, want rate limited", err)
	}
	if got := gerr.Data()["remaining_cooldown_seconds"]; got != int64(590) {
		t.Fatalf("remaining_cooldown_seconds = %v, want 590", got)
	}

	// Other users on the same IP are admitted independently until the IP
	// window closes: u1 holds 3 of the 8 IP slots, u2 takes its own 3, and
	// u3 gets 2 before the IP scope denies.
	for i := range 3 {
		mustIssue(t, u, IssueInput{
			UserID: "u2", Purpose: "login", ClientIP: ip,
			IdempotencyKey: "u2-k" + strconv.Itoa(i),
		})
	}
	for i := range 2 {
		mustIssue(t, u, IssueInput{
			UserID: "u3", Purpose: "login", ClientIP: ip,
			IdempotencyKey: "u3-k" + strconv.Itoa(i),
		})
	}
	_, err = u.Issue(context.Background(), IssueInput{
		UserID: "u3", Purpose: "login", ClientIP: ip, IdempotencyKey: "u3-k9",
	})
	if !errors.As(err, &gerr) || gerr.Code() != goerror.CodeTooManyRequest {
		t.Fatalf("ip-limited issue = %v, want rate limited", err)
	}
}

// TestUserWindowSpansPurposes pins the user quota to the user alone: three
// issuances for any mix of purposes exhaust the window, so a fourth request
// under a fresh purpose is still denied.
func TestUserWindowSpansPurposes(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	store := newMemStore(start)
	u := newTestUsecase(t, nil, nil)
	u.repoDB = store
	u.repoMessaging = &fakeMessaging{}

	issue := func(purpose, key string) (*IssueOutput, error) {
		return u.Issue(context.Background(), IssueInput{
			UserID: "u1", Purpose: purpose, ClientIP: "203.0.113.7", IdempotencyKey: key,
		})
	}

	out := mustIssue(t, u, IssueInput{UserID: "u1", Purpose: "login", ClientIP: "203.0.113.7", IdempotencyKey: "p1"})
	if out.Receipt.RemainingRequests != 2 {
		t.Fatalf("1st remaining = %d, want 2", out.Receipt.RemainingRequests)
	}
	if out, err := issue("login", "p2"); err != nil || out.Receipt.RemainingRequests != 1 {
		t.Fatalf("2nd issue = (%+v, %v), want remaining 1", out, err)
	}
	if out, err := issue("password-reset", "p3"); err != nil || out.Receipt.RemainingRequests != 0 {
		t.Fatalf("3rd issue under new purpose = (%+v, %v), want remaining 0", out, err)
	}

	_, err := issue("account-recovery", "p4")
	var gerr *goerror.Error
	if !errors.As(err, &gerr) || gerr.Code() != goerror.CodeTooManyRequest {
		t.Fatalf("4th issue under another purpose = %v, want rate limited", err)
	}
	if got := gerr.Data()["remaining_cooldown_seconds"]; got != int64(900) {
		t.Fatalf("remaining_cooldown_seconds = %v, want 900", got)
	}

	// An entry at exactly now - window is still inside the window, so the
	// denial holds at the 900s mark and lifts right after.
	store.advanceTo(start.Add(900 * time.Second))
	if _, err := issue("account-recovery", "p5"); !errors.As(err, &gerr) || gerr.Code() != goerror.CodeTooManyRequest {
		t.Fatalf("issue at window edge = %v, want rate limited", err)
	}
	store.advanceTo(start.Add(901 * time.Second))
	if out, err := issue("account-recovery", "p6"); err != nil || out.Receipt.RemainingRequests != 2 {
		t.Fatalf("issue past window edge = (%+v, %v), want admitted with remaining 2", out, err)
	}
}
