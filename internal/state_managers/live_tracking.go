package state_managers

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/benmeehan/tractive-agent/internal/models"
	"github.com/benmeehan/tractive-agent/pkg/file"
)

// LiveTrackingStateManager persists which trackers still need live tracking switched
// off, so a crashed run can be cleaned up by the next one.
type LiveTrackingStateManager struct {
	filePath   string
	fileClient file.FileOperations
	logger     zerolog.Logger
	mu         sync.Mutex
}

// NewLiveTrackingStateManager initializes a new LiveTrackingStateManager
func NewLiveTrackingStateManager(filePath string, fileClient file.FileOperations, logger zerolog.Logger) *LiveTrackingStateManager {
	return &LiveTrackingStateManager{
		filePath:   filePath,
		fileClient: fileClient,
		logger:     logger,
	}
}

// LoadState reads the ledger. A missing file is an empty ledger.
func (sm *LiveTrackingStateManager) LoadState() (map[string]models.LiveTrackingRecord, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.load()
}

func (sm *LiveTrackingStateManager) load() (map[string]models.LiveTrackingRecord, error) {
	exists, err := sm.fileClient.IsFileExists(sm.filePath)
	if err != nil {
		sm.logger.Error().Err(err).Str("file", sm.filePath).Msg("Failed to stat state file")
		return nil, err
	}
	if !exists {
		return make(map[string]models.LiveTrackingRecord), nil
	}

	var records map[string]models.LiveTrackingRecord
	if err := sm.fileClient.ReadJsonFile(sm.filePath, &records); err != nil {
		sm.logger.Error().Err(err).Msg("Failed to read state file")
		return nil, err
	}
	if records == nil {
		records = make(map[string]models.LiveTrackingRecord)
	}
	return records, nil
}

func (sm *LiveTrackingStateManager) save(records map[string]models.LiveTrackingRecord) error {
	if err := sm.fileClient.EnsureDir(filepath.Dir(sm.filePath)); err != nil {
		return err
	}
	if err := sm.fileClient.WriteJsonFile(sm.filePath, records); err != nil {
		sm.logger.Error().Err(err).Msg("Failed to write state file")
		return err
	}
	return nil
}

// Record adds or replaces the entry for record.TrackerID.
func (sm *LiveTrackingStateManager) Record(record models.LiveTrackingRecord) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	records, err := sm.load()
	if err != nil {
		return err
	}
	records[record.TrackerID] = record
	return sm.save(records)
}

// Clear removes trackerID from the ledger. The file is deleted once the ledger is
// empty.
func (sm *LiveTrackingStateManager) Clear(trackerID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	records, err := sm.load()
	if err != nil {
		return err
	}
	if _, ok := records[trackerID]; !ok {
		return nil
	}
	delete(records, trackerID)
	if len(records) == 0 {
		return sm.fileClient.Remove(sm.filePath)
	}
	return sm.save(records)
}

// Pending returns the outstanding records ordered by activation time.
func (sm *LiveTrackingStateManager) Pending() ([]models.LiveTrackingRecord, error) {
	records, err := sm.LoadState()
	if err != nil {
		return nil, err
	}
	out := make([]models.LiveTrackingRecord, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ActivatedAt.Before(out[j].ActivatedAt)
	})
	return out, nil
}

// MemoryLedger keeps the records in memory only, for callers without a state file.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]models.LiveTrackingRecord
}

// NewMemoryLedger returns an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]models.LiveTrackingRecord)}
}

func (m *MemoryLedger) Record(record models.LiveTrackingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.TrackerID] = record
	return nil
}

func (m *MemoryLedger) Clear(trackerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, trackerID)
	return nil
}

func (m *MemoryLedger) Pending() ([]models.LiveTrackingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.LiveTrackingRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ActivatedAt.Before(out[j].ActivatedAt)
	})
	return out, nil
}
