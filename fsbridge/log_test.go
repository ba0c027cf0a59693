package fsbridge

import "testing"

func TestMountLoggerRecordsToItsOwnStore(t *testing.T) {
	logger, store := newMountLogger("/mnt/test", true)
	logger.Info("hello", "k", "v")

	logs := store.Logs()
	if len(logs) != 1 {
		t.Fatalf("expected 1 recorded log line, got %d: %v", len(logs), logs)
	}
}

func TestMountLoggerDropsBelowErrorWhenNotVerbose(t *testing.T) {
	logger, store := newMountLogger("/mnt/test", false)
	logger.Info("should be dropped")
	logger.Error("should be kept")

	logs := store.Logs()
	if len(logs) != 1 {
		t.Fatalf("expected 1 recorded log line, got %d: %v", len(logs), logs)
	}
}
