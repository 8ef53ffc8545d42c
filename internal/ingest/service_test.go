package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/hitoshi/mailbox/internal/model"
)

// mockRepo はSaveBatchの呼び出しを記録するNotificationRepositoryのモック。
type mockRepo struct {
	batches [][]*model.DataAvailableNotification
	keys    []model.CabinetKey
	err     error
	failFor map[model.DomainOrigin]error // カテゴリごとに失敗させる
}

func (m *mockRepo) OldestUnacknowledged(context.Context, model.MarketOperator, ...model.DomainOrigin) (*model.DataAvailableNotification, error) {
	return nil, nil
}

func (m *mockRepo) UnacknowledgedBatch(context.Context, model.CabinetKey) ([]model.DataAvailableNotification, error) {
	return nil, nil
}

func (m *mockRepo) Acknowledge(context.Context, model.MarketOperator, []string) error { return nil }

func (m *mockRepo) Save(context.Context, *model.DataAvailableNotification) error { return nil }

func (m *mockRepo) SaveBatch(_ context.Context, key model.CabinetKey, ns []*model.DataAvailableNotification) error {
	if m.err != nil {
		return m.err
	}
	if err := m.failFor[key.Origin]; err != nil {
		return err
	}
	m.keys = append(m.keys, key)
	m.batches = append(m.batches, ns)
	return nil
}

func newTestService(repo *mockRepo) *Service {
	s := NewService(repo, nil, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))
	n := 0
	s.newID = func() string {
		n++
		return fmt.Sprintf("gen-%d", n)
	}
	return s
}

func TestService_Ingest_GroupsByCabinetKey(t *testing.T) {
	repo := &mockRepo{}
	s := newTestService(repo)

	entries := []Entry{
		{ID: "a", Recipient: "r1", ContentType: "TimeSeries.Hourly", Origin: "TimeSeries", SupportsBundling: true, Weight: 1},
		{ID: "b", Recipient: "r1", ContentType: "Charges.Price", Origin: "charges", Weight: 1},
		{ID: "c", Recipient: "r1", ContentType: "TimeSeries.Hourly", Origin: "TimeSeries", SupportsBundling: true, Weight: 1},
	}

	result, err := s.Ingest(context.Background(), entries)
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if len(result.Rejected) != 0 {
		t.Fatalf("rejected = %+v, want none", result.Rejected)
	}
	if len(repo.batches) != 2 {
		t.Fatalf("SaveBatch calls = %d, want 2", len(repo.batches))
	}

	// 最初に現れたキーから順に、入力順を保って保存する
	if repo.keys[0].Origin != model.DomainOriginTimeSeries {
		t.Errorf("first key = %+v, want TimeSeries", repo.keys[0])
	}
	if got := repo.batches[0]; len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Errorf("first batch ids = %v, want [a c]", got)
	}
	if repo.keys[1].Origin != model.DomainOriginCharges {
		t.Errorf("second key = %+v, want Charges", repo.keys[1])
	}
}

// 不正なエントリは個別に拒否され、残りの正常なエントリは保存される
func TestService_Ingest_RejectsMalformedIndividually(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
	}{
		{"recipient欠落", Entry{ContentType: "x", Origin: "TimeSeries"}},
		{"content_type欠落", Entry{Recipient: "r1", Origin: "TimeSeries"}},
		{"Unknownカテゴリ", Entry{Recipient: "r1", ContentType: "x", Origin: "Unknown"}},
		{"未定義カテゴリ", Entry{Recipient: "r1", ContentType: "x", Origin: "Weather"}},
		{"負の重み", Entry{Recipient: "r1", ContentType: "x", Origin: "TimeSeries", Weight: -1}},
		{"長すぎるID", Entry{ID: strings.Repeat("i", 100), Recipient: "r1", ContentType: "x", Origin: "TimeSeries"}},
		{"長すぎるrecipient", Entry{Recipient: strings.Repeat("r", 100), ContentType: "x", Origin: "TimeSeries"}},
		{"長すぎるcontent_type", Entry{Recipient: "r1", ContentType: strings.Repeat("c", 256), Origin: "TimeSeries"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockRepo{}
			s := newTestService(repo)

			valid := Entry{ID: "ok", Recipient: "r1", ContentType: "x", Origin: "Aggregations", Weight: 1}
			result, err := s.Ingest(context.Background(), []Entry{tt.entry, valid})
			if err != nil {
				t.Fatalf("Ingest returned error: %v", err)
			}
			if len(result.Rejected) != 1 || result.Rejected[0].Index != 0 {
				t.Errorf("rejected = %+v, want index 0", result.Rejected)
			}
			if len(result.Accepted) != 1 || result.Accepted[0] != "ok" {
				t.Errorf("accepted = %v, want [ok]", result.Accepted)
			}
		})
	}
}

func TestService_Ingest_RejectsDuplicateIDInBatch(t *testing.T) {
	repo := &mockRepo{}
	s := newTestService(repo)

	e := Entry{ID: "dup", Recipient: "r1", ContentType: "x", Origin: "TimeSeries", Weight: 1}
	result, err := s.Ingest(context.Background(), []Entry{e, e})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if len(result.Accepted) != 1 || len(result.Rejected) != 1 || result.Rejected[0].Index != 1 {
		t.Errorf("result = %+v, want 1 accepted and index 1 rejected", result)
	}
}

func TestService_Ingest_AssignsMissingIDs(t *testing.T) {
	repo := &mockRepo{}
	s := newTestService(repo)

	result, err := s.Ingest(context.Background(), []Entry{
		{Recipient: "r1", ContentType: "x", Origin: "MarketRoles", Weight: 1},
	})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if len(result.Accepted) != 1 || result.Accepted[0] != "gen-1" {
		t.Errorf("accepted = %v, want [gen-1]", result.Accepted)
	}
}

// 保存に失敗したキーの通知だけが拒否され、後続のキーは保存される
func TestService_Ingest_FailedKeyDoesNotBlockOthers(t *testing.T) {
	repo := &mockRepo{failFor: map[model.DomainOrigin]error{
		model.DomainOriginTimeSeries: errors.New("value too long"),
	}}
	s := newTestService(repo)

	result, err := s.Ingest(context.Background(), []Entry{
		{ID: "ts-1", Recipient: "r1", ContentType: "x", Origin: "TimeSeries", Weight: 1},
		{ID: "ch-1", Recipient: "r1", ContentType: "y", Origin: "Charges", Weight: 1},
		{ID: "ts-2", Recipient: "r1", ContentType: "x", Origin: "TimeSeries", Weight: 1},
	})
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}

	if len(result.Accepted) != 1 || result.Accepted[0] != "ch-1" {
		t.Errorf("accepted = %v, want [ch-1]", result.Accepted)
	}
	if len(result.Rejected) != 2 {
		t.Fatalf("rejected = %+v, want 2", result.Rejected)
	}
	for i, want := range []struct {
		index int
		id    string
	}{{0, "ts-1"}, {2, "ts-2"}} {
		if got := result.Rejected[i]; got.Index != want.index || got.ID != want.id {
			t.Errorf("rejected[%d] = %+v, want index %d id %s", i, got, want.index, want.id)
		}
	}
	if len(repo.batches) != 1 || repo.keys[0].Origin != model.DomainOriginCharges {
		t.Errorf("saved keys = %+v, want only Charges", repo.keys)
	}
}

func TestService_Ingest_AllBatchesFailedReturnsError(t *testing.T) {
	repo := &mockRepo{err: errors.New("connection refused")}
	s := newTestService(repo)

	result, err := s.Ingest(context.Background(), []Entry{
		{ID: "a", Recipient: "r1", ContentType: "x", Origin: "TimeSeries", Weight: 1},
		{ID: "b", Recipient: "r1", ContentType: "y", Origin: "Charges", Weight: 1},
	})
	if err == nil {
		t.Fatal("expected error when every batch fails")
	}
	if len(result.Rejected) != 2 {
		t.Errorf("rejected = %+v, want 2", result.Rejected)
	}
}

func TestService_Ingest_CanceledContextReturnsError(t *testing.T) {
	repo := &mockRepo{err: context.Canceled}
	s := newTestService(repo)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Ingest(ctx, []Entry{
		{ID: "a", Recipient: "r1", ContentType: "x", Origin: "TimeSeries", Weight: 1},
	}); err == nil {
		t.Fatal("expected error on canceled context")
	}
}

func TestService_Ingest_Empty(t *testing.T) {
	repo := &mockRepo{}
	s := newTestService(repo)

	result, err := s.Ingest(context.Background(), nil)
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if len(result.Accepted) != 0 || len(repo.batches) != 0 {
		t.Errorf("expected nothing saved, got %+v", result)
	}
}
