package storage

import (
	"encoding/json"
	"errors"
	"sort"

	"alchemy/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Versioned returns the record header for the current schema and codec.
func Versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeSchedules(schedules []model.ScheduleRecord) ([]byte, error) {
	return json.Marshal(schedules)
}

func DecodeSchedules(data []byte) ([]model.ScheduleRecord, error) {
	var schedules []model.ScheduleRecord
	if err := json.Unmarshal(data, &schedules); err != nil {
		return nil, err
	}
	for _, schedule := range schedules {
		if err := checkVersion(schedule.VersionedRecord); err != nil {
			return nil, err
		}
	}
	return schedules, nil
}

func EncodeHREXDiagnostics(d model.HREXDiagnosticsRecord) ([]byte, error) {
	return json.Marshal(d)
}

func DecodeHREXDiagnostics(data []byte) (model.HREXDiagnosticsRecord, error) {
	var diagnostics model.HREXDiagnosticsRecord
	if err := json.Unmarshal(data, &diagnostics); err != nil {
		return model.HREXDiagnosticsRecord{}, err
	}
	if err := checkVersion(diagnostics.VersionedRecord); err != nil {
		return model.HREXDiagnosticsRecord{}, err
	}
	return diagnostics, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}

// sortRuns orders runs oldest first, breaking ties by id.
func sortRuns(runs []model.RunRecord) {
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC != runs[j].CreatedAtUTC {
			return runs[i].CreatedAtUTC < runs[j].CreatedAtUTC
		}
		return runs[i].ID < runs[j].ID
	})
}
