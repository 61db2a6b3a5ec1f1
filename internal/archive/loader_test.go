package archive

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mvexel/meetyourmappers-ingest/internal/changeset"
)

// fakeUpserter records every batch it receives, so tests can assert on
// batching/retention behavior without a real store.
type fakeUpserter struct {
	batches [][]*changeset.Changeset
}

func (f *fakeUpserter) UpsertBatch(ctx context.Context, batch []*changeset.Changeset) error {
	cp := append([]*changeset.Changeset{}, batch...)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeUpserter) count() int {
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

func TestProduceBatchesBySize(t *testing.T) {
	xmlBody := `<osm>
		<changeset id="1" created_at="2024-01-01T00:00:00Z" open="false"/>
		<changeset id="2" created_at="2024-01-01T00:00:00Z" open="false"/>
		<changeset id="3" created_at="2024-01-01T00:00:00Z" open="false"/>
	</osm>`
	fake := &fakeUpserter{}
	l := &Loader{Store: fake, BatchSize: 2}
	parser := changeset.NewParser(strings.NewReader(xmlBody), changeset.DateRange{})

	out := make(chan []*changeset.Changeset, 10)
	if err := l.produce(context.Background(), parser, out); err != nil {
		t.Fatalf("produce: %v", err)
	}
	close(out)

	var total int
	var batchCount int
	for batch := range out {
		batchCount++
		total += len(batch)
	}
	if total != 3 {
		t.Errorf("total records = %d, want 3", total)
	}
	if batchCount != 2 {
		t.Errorf("batch count = %d, want 2 (a full batch of 2 then a partial of 1)", batchCount)
	}
}

func TestProduceDropsRecordsOlderThanRetentionWindow(t *testing.T) {
	old := time.Now().AddDate(0, 0, -30).Format(time.RFC3339)
	recent := time.Now().Format(time.RFC3339)
	xmlBody := `<osm>
		<changeset id="1" created_at="2020-01-01T00:00:00Z" closed_at="` + old + `" open="false"/>
		<changeset id="2" created_at="2024-01-01T00:00:00Z" closed_at="` + recent + `" open="false"/>
	</osm>`
	l := &Loader{BatchSize: 10, RetentionDays: 7}
	parser := changeset.NewParser(strings.NewReader(xmlBody), changeset.DateRange{})

	out := make(chan []*changeset.Changeset, 10)
	if err := l.produce(context.Background(), parser, out); err != nil {
		t.Fatalf("produce: %v", err)
	}
	close(out)

	var ids []int64
	for batch := range out {
		for _, cs := range batch {
			ids = append(ids, cs.ID)
		}
	}
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("expected only id=2 to survive the retention window, got %v", ids)
	}
}

func TestRunDrivesProducerAndConsumersToCompletion(t *testing.T) {
	xmlBody := `<osm>
		<changeset id="1" created_at="2024-01-01T00:00:00Z" open="false"/>
		<changeset id="2" created_at="2024-01-01T00:00:00Z" open="false"/>
	</osm>`

	fake := &fakeUpserter{}
	l := &Loader{Store: fake, BatchSize: 10, Workers: 2}
	if err := l.run(context.Background(), strings.NewReader(xmlBody)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if fake.count() != 2 {
		t.Errorf("expected 2 changesets written, got %d", fake.count())
	}
}
