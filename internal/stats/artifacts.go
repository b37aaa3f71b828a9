package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"alchemy/internal/model"
)

const (
	runIndexFile   = "run_index.json"
	archiveFile    = "hrex_data.npz"
	torsionCSVFile = "torsion_by_state_hrex.csv"
)

type RunConfig struct {
	RunID            string  `json:"run_id"`
	System           string  `json:"system"`
	Solvent          bool    `json:"solvent"`
	Seed             int64   `json:"seed"`
	Temperature      float64 `json:"temperature"`
	MinOverlap       float64 `json:"min_overlap"`
	NBisections      int     `json:"n_bisections"`
	NFrames          int     `json:"n_frames"`
	NFramesBisection int     `json:"n_frames_bisection"`
	StepsPerFrame    int     `json:"steps_per_frame"`
	NEqSteps         int     `json:"n_eq_steps"`
	NFramesPerIter   int     `json:"n_frames_per_iter"`
	NSwapAttempts    int     `json:"n_swap_attempts_per_iter"`
	Workers          int     `json:"workers"`
}

type RunArtifacts struct {
	Config             RunConfig                   `json:"config"`
	Schedules          []model.ScheduleRecord      `json:"schedules"`
	Diagnostics        model.HREXDiagnosticsRecord `json:"hrex_diagnostics"`
	Occupancy          []ObservableSummary         `json:"occupancy"`
	OccupancyHREX      []ObservableSummary         `json:"occupancy_hrex"`
	TransitionMatrix   [][]float64                 `json:"transition_matrix"`
	FinalAcceptance    []float64                   `json:"final_acceptance"`
	Converged          bool                        `json:"converged"`
	TorsionByStateHREX [][]float64                 `json:"-"`
	Archive            *Archive                    `json:"-"`
}

type RunIndexEntry struct {
	RunID          string  `json:"run_id"`
	System         string  `json:"system"`
	Solvent        bool    `json:"solvent"`
	NStates        int     `json:"n_states"`
	Converged      bool    `json:"converged"`
	MinOverlap     float64 `json:"min_overlap"`
	MeanAcceptance float64 `json:"mean_acceptance"`
	Seed           int64   `json:"seed"`
	CreatedAtUTC   string  `json:"created_at_utc"`
}

// WriteRunArtifacts writes the JSON summary files of a run, plus the torsion
// series and the npz archive when present, and returns the run directory.
func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "config.json"), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "schedules.json"), map[string]any{"schedules": artifacts.Schedules, "converged": artifacts.Converged}); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "hrex_diagnostics.json"), map[string]any{
		"diagnostics":       artifacts.Diagnostics,
		"transition_matrix": artifacts.TransitionMatrix,
		"final_acceptance":  artifacts.FinalAcceptance,
	}); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "occupancy.json"), map[string]any{"bisection": artifacts.Occupancy, "hrex": artifacts.OccupancyHREX}); err != nil {
		return "", err
	}
	if artifacts.TorsionByStateHREX != nil {
		if err := WriteTorsionSeries(runDir, artifacts.TorsionByStateHREX); err != nil {
			return "", err
		}
	}
	if artifacts.Archive != nil {
		if err := WriteArchive(filepath.Join(runDir, archiveFile), *artifacts.Archive); err != nil {
			return "", err
		}
	}

	return runDir, nil
}

// ArchivePath returns where WriteRunArtifacts stores the npz archive.
func ArchivePath(baseDir, runID string) string {
	return filepath.Join(baseDir, runID, archiveFile)
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the index newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies a run directory's artifacts into outDir/runID.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{"config.json", "schedules.json", "hrex_diagnostics.json", "occupancy.json"} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	for _, file := range []string{torsionCSVFile, archiveFile} {
		path := filepath.Join(src, file)
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, filepath.Join(dst, file)); err != nil {
				return "", err
			}
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}

	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	path := filepath.Join(baseDir, runID, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RunConfig{}, false, nil
		}
		return RunConfig{}, false, err
	}

	var cfg RunConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, false, err
	}
	return cfg, true, nil
}

// ReadSchedules returns the bisection history written with a run.
func ReadSchedules(baseDir, runID string) ([]model.ScheduleRecord, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, "schedules.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var payload struct {
		Schedules []model.ScheduleRecord `json:"schedules"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, false, err
	}
	return payload.Schedules, true, nil
}

// WriteTorsionSeries writes one row per frame and one column per state.
func WriteTorsionSeries(runDir string, byState [][]float64) error {
	path := filepath.Join(runDir, torsionCSVFile)
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"frame"}
	nFrames := 0
	for s, series := range byState {
		header = append(header, "state_"+strconv.Itoa(s))
		nFrames = max(nFrames, len(series))
	}
	if err := writer.Write(header); err != nil {
		return err
	}
	for f := 0; f < nFrames; f++ {
		row := []string{strconv.Itoa(f)}
		for _, series := range byState {
			if f < len(series) {
				row = append(row, strconv.FormatFloat(series[f], 'f', -1, 64))
			} else {
				row = append(row, "")
			}
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadTorsionSeries(baseDir, runID string) ([][]float64, bool, error) {
	path := filepath.Join(baseDir, runID, torsionCSVFile)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return [][]float64{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 {
		return nil, false, fmt.Errorf("torsion series header must have at least 2 columns")
	}

	byState := make([][]float64, len(header)-1)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		for s, cell := range record[1:] {
			if cell == "" {
				continue
			}
			value, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, false, err
			}
			byState[s] = append(byState[s], value)
		}
	}
	return byState, true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
