package archive

import (
	"strings"
	"testing"
	"time"

	"tickflow/config"
	"tickflow/models"
)

func TestObjectKeyLayout(t *testing.T) {
	a := &S3Archiver{cfg: config.S3Config{Prefix: "cold/ticks"}}
	ts := time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)

	key := a.objectKey("ETH/USDC", ts)
	if !strings.HasPrefix(key, "cold/ticks/symbol=ETH-USDC/date=2024-01-01/") {
		t.Fatalf("unexpected key layout: %s", key)
	}
	if !strings.HasSuffix(key, ".parquet") {
		t.Fatalf("missing parquet suffix: %s", key)
	}

	other := a.objectKey("ETH/USDC", ts)
	if key == other {
		t.Fatalf("object keys should be unique per batch")
	}
}

func TestEncodeParquetRoundsAllRows(t *testing.T) {
	a := &S3Archiver{}
	vol := 100.5
	ticks := []models.Tick{
		{ID: 1, PairID: 1, Price: 2500.5, Volume: &vol, Timestamp: time.UnixMilli(1704067200000).UTC()},
		{ID: 2, PairID: 1, Price: 2501.0, Timestamp: time.UnixMilli(1704067201000).UTC()},
	}

	data, err := a.encodeParquet("ETH/USDC", ticks)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("empty parquet output")
	}
	// PAR1 magic bytes bracket every parquet file.
	if string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Fatalf("output is not a parquet file")
	}
}
