package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestProcessRecordsBlocksPartitionOnFailure(t *testing.T) {
	consumer := &Consumer{
		logger:   logrus.New(),
		handlers: make(map[string]Handler),
	}

	var handled []string
	consumer.handlers["billing.events"] = func(_ context.Context, msg Message) error {
		handled = append(handled, recordKey(msg.Topic, msg.Partition, msg.Offset))
		if msg.Partition == 0 && msg.Offset == 1 {
			return errors.New("handler failure")
		}
		return nil
	}

	records := []*kgo.Record{
		{Topic: "billing.events", Partition: 0, Offset: 0},
		{Topic: "billing.events", Partition: 0, Offset: 1},
		{Topic: "billing.events", Partition: 0, Offset: 2},
		{Topic: "billing.events", Partition: 1, Offset: 0},
	}

	commitRecords := consumer.processRecords(context.Background(), records)

	// Offset 2 on partition 0 must not be handled after offset 1 failed.
	for _, key := range handled {
		if key == recordKey("billing.events", 0, 2) {
			t.Fatal("record after a failed message in the same partition was handled")
		}
	}

	commitKeys := make([]string, 0, len(commitRecords))
	for _, record := range commitRecords {
		commitKeys = append(commitKeys, recordKey(record.Topic, record.Partition, record.Offset))
	}
	sort.Strings(commitKeys)

	expected := []string{
		recordKey("billing.events", 0, 0),
		recordKey("billing.events", 1, 0),
	}
	sort.Strings(expected)

	if len(commitKeys) != len(expected) {
		t.Fatalf("commit records = %v, want %v", commitKeys, expected)
	}
	for i, key := range commitKeys {
		if key != expected[i] {
			t.Fatalf("commit records = %v, want %v", commitKeys, expected)
		}
	}
}

func TestProcessRecordsCommitsUnhandledTopics(t *testing.T) {
	consumer := &Consumer{
		logger:   logrus.New(),
		handlers: make(map[string]Handler),
	}

	records := []*kgo.Record{
		{Topic: "unknown.topic", Partition: 0, Offset: 5},
	}

	commitRecords := consumer.processRecords(context.Background(), records)
	if len(commitRecords) != 1 {
		t.Fatalf("expected unhandled topic to be committed, got %d records", len(commitRecords))
	}
}

func recordKey(topic string, partition int32, offset int64) string {
	return fmt.Sprintf("%s:%d:%d", topic, partition, offset)
}
