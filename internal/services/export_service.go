package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/tractive-agent/internal/models"
	"github.com/benmeehan/tractive-agent/pkg/file"
	"github.com/benmeehan/tractive-agent/pkg/s3"
)

// ExportHeader is the first CSV row.
var ExportHeader = []string{
	"time", "latitude", "longitude", "uncertainty", "altitude", "speed", "course",
	"distance_meters", "calculated_speed_kmh", "cumulative_distance",
}

// ExportResult describes one export pass.
type ExportResult struct {
	History    models.LocationHistory `json:"-"`
	Rows       int                    `json:"rows"`
	File       string                 `json:"file,omitempty"`
	ObjectName string                 `json:"object_name,omitempty"`
	URL        string                 `json:"url,omitempty"`
}

// ExportService writes the position history as CSV and optionally uploads it.
type ExportService struct {
	tracker    TrackerAPI
	fileClient file.FileOperations
	storage    s3.ObjectStorageClient
	prefix     string
	logger     zerolog.Logger
}

// NewExportService creates an ExportService. storage may be nil when uploads are not
// configured.
func NewExportService(tracker TrackerAPI, fileClient file.FileOperations, storage s3.ObjectStorageClient, prefix string, logger zerolog.Logger) *ExportService {
	return &ExportService{
		tracker:    tracker,
		fileClient: fileClient,
		storage:    storage,
		prefix:     prefix,
		logger:     logger,
	}
}

// Export writes the last hours of fixes to w.
func (e *ExportService) Export(ctx context.Context, w io.Writer, hours int) (ExportResult, error) {
	history, err := e.tracker.LocationHistory(ctx, hours)
	if err != nil {
		return ExportResult{}, err
	}
	if err := WriteCSV(w, history); err != nil {
		return ExportResult{}, fmt.Errorf("write csv: %w", err)
	}
	return ExportResult{History: history, Rows: history.Count}, nil
}

// ExportFile writes the CSV to filePath, then uploads it when upload is set.
func (e *ExportService) ExportFile(ctx context.Context, filePath string, hours int, upload bool) (ExportResult, error) {
	if upload && e.storage == nil {
		return ExportResult{}, &models.ValidationError{Field: "upload", Reason: "export.s3 is not configured"}
	}

	var buf bytes.Buffer
	result, err := e.Export(ctx, &buf, hours)
	if err != nil {
		return ExportResult{}, err
	}
	if err := e.fileClient.WriteFileRaw(filePath, buf.Bytes()); err != nil {
		return ExportResult{}, fmt.Errorf("write %s: %w", filePath, err)
	}
	result.File = filePath
	e.logger.Info().Str("file", filePath).Int("rows", result.Rows).Msg("GPS data exported")

	if !upload {
		return result, nil
	}
	name := path.Join(e.prefix, "gps-"+time.Now().UTC().Format("20060102")+"-"+uuid.NewString()+".csv")
	url, err := e.storage.Upload(ctx, name, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "text/csv", map[string]string{
		"hours": strconv.Itoa(hours),
		"rows":  strconv.Itoa(result.Rows),
	})
	if err != nil {
		return result, fmt.Errorf("upload export: %w", err)
	}
	result.ObjectName = name
	result.URL = url
	e.logger.Info().Str("object", name).Msg("Export uploaded")
	return result, nil
}

// WriteCSV writes history with ExportHeader.
func WriteCSV(w io.Writer, history models.LocationHistory) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader); err != nil {
		return err
	}
	for _, p := range history.Points {
		row := []string{
			p.Time().UTC().Format(time.RFC3339),
			formatFloat(p.Latitude),
			formatFloat(p.Longitude),
			formatFloat(p.Uncertainty),
			formatFloat(p.Altitude),
			formatFloat(p.Speed),
			formatFloat(p.Course),
			strconv.FormatFloat(p.DistanceMeters, 'f', 2, 64),
			strconv.FormatFloat(p.CalculatedSpeedKMH, 'f', 2, 64),
			strconv.FormatFloat(p.CumulativeDistance, 'f', 2, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
