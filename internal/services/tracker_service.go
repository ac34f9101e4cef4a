package services

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/tractive-agent/internal/constants"
	"github.com/benmeehan/tractive-agent/internal/models"
)

// ErrNoPositions is returned when a positions window holds no usable fix.
var ErrNoPositions = errors.New("no positions in window")

// TrackerAPI is the typed view of the tracker endpoints.
type TrackerAPI interface {
	TrackerID(ctx context.Context) (string, error)
	TrackerInfo(ctx context.Context) (models.TrackerInfo, error)
	TrackerState(ctx context.Context) (models.DeviceStatus, error)
	DeviceStatus(ctx context.Context) (models.DeviceStatus, error)
	LatestFix(ctx context.Context) (models.GPSLocation, error)
	PassiveFix(ctx context.Context, window time.Duration) (models.GPSLocation, error)
	Positions(ctx context.Context, from, to time.Time) ([]models.GPSLocation, error)
	LocationHistory(ctx context.Context, hours int) (models.LocationHistory, error)
	PetData(ctx context.Context) (models.PetData, error)
	ListShares(ctx context.Context) ([]models.Share, error)
	CreateShare(ctx context.Context, message string) (models.Share, error)
	DeactivateShare(ctx context.Context, id string) error
	SendCommand(ctx context.Context, cmd models.Command) error
	LiveTrackingActive(ctx context.Context) (bool, error)
}

type toggle struct {
	Active bool `json:"active"`
}

type trackerRecord struct {
	ID              string `json:"_id"`
	ModelNumber     string `json:"model_number"`
	HardwareEdition string `json:"hw_edition"`
	FirmwareVersion string `json:"fw_version"`
	State           string `json:"state"`
	BatterySaveMode bool   `json:"battery_save_mode"`
	LiveTracking    toggle `json:"live_tracking"`
	LEDControl      toggle `json:"led_control"`
	BuzzerControl   toggle `json:"buzzer_control"`
}

type hardwareReport struct {
	BatteryLevel     int    `json:"battery_level"`
	HardwareStatus   string `json:"hw_status"`
	Time             int64  `json:"time"`
	TemperatureState string `json:"temperature_state"`
}

type positionReport struct {
	LatLong     []float64 `json:"latlong"`
	Time        int64     `json:"time"`
	Uncertainty float64   `json:"pos_uncertainty"`
	Altitude    *float64  `json:"altitude"`
	Alt         float64   `json:"alt"`
	Speed       float64   `json:"speed"`
	Course      float64   `json:"course"`
}

func (p positionReport) location() (models.GPSLocation, error) {
	if len(p.LatLong) < 2 {
		return models.GPSLocation{}, errors.New("position without latlong")
	}
	alt := p.Alt
	if p.Altitude != nil {
		alt = *p.Altitude
	}
	return models.GPSLocation{
		Latitude:    p.LatLong[0],
		Longitude:   p.LatLong[1],
		Timestamp:   p.Time,
		Uncertainty: p.Uncertainty,
		Altitude:    alt,
		Speed:       p.Speed,
		Course:      p.Course,
	}, nil
}

type objectRef struct {
	ID string `json:"_id"`
}

type trackableObject struct {
	ID        string `json:"_id"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	Details   struct {
		Name             string   `json:"name"`
		PetType          string   `json:"pet_type"`
		Gender           string   `json:"gender"`
		BreedIDs         []string `json:"breed_ids"`
		Neutered         bool     `json:"neutered"`
		ChipID           string   `json:"chip_id"`
		Birthday         int64    `json:"birthday"`
		ProfilePictureID string   `json:"profile_picture_id"`
		Weight           float64  `json:"weight"`
	} `json:"details"`
}

type shareRecord struct {
	ID        string `json:"_id"`
	Link      string `json:"share_link"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"created_at"`
	Active    *bool  `json:"active"`
}

func (s shareRecord) share() models.Share {
	active := s.Active == nil || *s.Active
	return models.Share{ID: s.ID, Link: s.Link, Message: s.Message, CreatedAt: s.CreatedAt, Active: active}
}

// TrackerService maps the Tractive tracker endpoints onto the models. It resolves the
// tracker id lazily from the account unless one is configured.
type TrackerService struct {
	api        APIClient
	trackerID  string
	maxHistory time.Duration
	logger     zerolog.Logger

	mu sync.Mutex
}

// NewTrackerService creates a TrackerService. trackerID may be empty.
func NewTrackerService(api APIClient, trackerID string, logger zerolog.Logger) *TrackerService {
	return &TrackerService{
		api:        api,
		trackerID:  strings.TrimSpace(trackerID),
		maxHistory: constants.MaxPositionsHistory,
		logger:     logger,
	}
}

// TrackerID returns the configured tracker, or the account's first one.
func (t *TrackerService) TrackerID(ctx context.Context) (string, error) {
	t.mu.Lock()
	id := t.trackerID
	t.mu.Unlock()
	if id != "" {
		t.api.BindDevice(id, "")
		return id, nil
	}

	uid, err := t.api.UserID(ctx)
	if err != nil {
		return "", err
	}
	var trackers []objectRef
	path := fmt.Sprintf(constants.PathUserTrackers, url.PathEscape(uid))
	if err := t.api.Request(ctx, http.MethodGet, path, nil, &trackers, Cached()); err != nil {
		return "", err
	}
	if len(trackers) == 0 || trackers[0].ID == "" {
		return "", &models.APIError{Op: "GET " + path, Status: http.StatusOK, Err: errors.New("account has no trackers")}
	}

	t.mu.Lock()
	t.trackerID = trackers[0].ID
	t.mu.Unlock()
	t.api.BindDevice(trackers[0].ID, "")
	t.logger.Debug().Str("tracker_id", trackers[0].ID).Int("trackers", len(trackers)).Msg("Tracker selected")
	return trackers[0].ID, nil
}

func (t *TrackerService) tracker(ctx context.Context) (trackerRecord, error) {
	id, err := t.TrackerID(ctx)
	if err != nil {
		return trackerRecord{}, err
	}
	var rec trackerRecord
	err = t.api.Request(ctx, http.MethodGet, fmt.Sprintf(constants.PathTracker, url.PathEscape(id)), nil, &rec)
	if rec.ID == "" {
		rec.ID = id
	}
	return rec, err
}

// TrackerInfo returns the hardware description.
func (t *TrackerService) TrackerInfo(ctx context.Context) (models.TrackerInfo, error) {
	rec, err := t.tracker(ctx)
	if err != nil {
		return models.TrackerInfo{}, err
	}
	return models.TrackerInfo{
		ID:              rec.ID,
		ModelNumber:     rec.ModelNumber,
		HardwareEdition: rec.HardwareEdition,
		FirmwareVersion: rec.FirmwareVersion,
	}, nil
}

// TrackerState reads only the tracker record: state, battery saver and the toggles.
func (t *TrackerService) TrackerState(ctx context.Context) (models.DeviceStatus, error) {
	rec, err := t.tracker(ctx)
	if err != nil {
		return models.DeviceStatus{}, err
	}
	return trackerStatus(rec), nil
}

func trackerStatus(rec trackerRecord) models.DeviceStatus {
	return models.DeviceStatus{
		State:            models.ParseDeviceState(rec.State),
		BatterySaveMode:  rec.BatterySaveMode,
		LiveTracking:     rec.LiveTracking.Active,
		LEDActive:        rec.LEDControl.Active,
		BuzzerActive:     rec.BuzzerControl.Active,
		TemperatureState: models.TemperatureUnknown,
		HardwareStatus:   "unknown",
	}
}

// DeviceStatus combines the hardware report with the tracker record.
func (t *TrackerService) DeviceStatus(ctx context.Context) (models.DeviceStatus, error) {
	id, err := t.TrackerID(ctx)
	if err != nil {
		return models.DeviceStatus{}, err
	}
	var hw hardwareReport
	if err := t.api.Request(ctx, http.MethodGet, fmt.Sprintf(constants.PathHardwareReport, url.PathEscape(id)), nil, &hw); err != nil {
		return models.DeviceStatus{}, err
	}
	rec, err := t.tracker(ctx)
	if err != nil {
		return models.DeviceStatus{}, err
	}

	status := trackerStatus(rec)
	status.BatteryLevel = hw.BatteryLevel
	status.Timestamp = hw.Time
	status.TemperatureState = models.ParseTemperatureState(hw.TemperatureState)
	if hw.HardwareStatus != "" {
		status.HardwareStatus = hw.HardwareStatus
	}
	return status, nil
}

// LatestFix returns the device's last reported position.
func (t *TrackerService) LatestFix(ctx context.Context) (models.GPSLocation, error) {
	id, err := t.TrackerID(ctx)
	if err != nil {
		return models.GPSLocation{}, err
	}
	path := fmt.Sprintf(constants.PathPositionReport, url.PathEscape(id))
	var report positionReport
	if err := t.api.Request(ctx, http.MethodGet, path, nil, &report); err != nil {
		return models.GPSLocation{}, err
	}
	fix, err := report.location()
	if err != nil {
		return models.GPSLocation{}, &models.APIError{Op: "GET " + path, Status: http.StatusOK, Err: err}
	}
	return fix, nil
}

// Positions returns the fixes between from and to in time order. The window never
// reaches further back than the API keeps history.
func (t *TrackerService) Positions(ctx context.Context, from, to time.Time) ([]models.GPSLocation, error) {
	id, err := t.TrackerID(ctx)
	if err != nil {
		return nil, err
	}
	now := t.api.Now()
	if earliest := now.Add(-t.maxHistory); from.Before(earliest) {
		t.logger.Debug().Time("from", from).Time("earliest", earliest).Msg("Positions window clamped")
		from = earliest
	}
	if to.Before(from) {
		return nil, &models.ValidationError{Field: "time window", Reason: "end is before start"}
	}

	q := url.Values{}
	q.Set("time_from", strconv.FormatInt(from.Unix(), 10))
	q.Set("time_to", strconv.FormatInt(to.Unix(), 10))
	q.Set("format", constants.PositionsFormat)

	var segments [][]positionReport
	path := fmt.Sprintf(constants.PathPositions, url.PathEscape(id))
	if err := t.api.Request(ctx, http.MethodGet, path, nil, &segments, WithQuery(q)); err != nil {
		return nil, err
	}

	var out []models.GPSLocation
	for _, segment := range segments {
		for _, point := range segment {
			fix, err := point.location()
			if err != nil {
				continue
			}
			out = append(out, fix)
		}
	}
	sortByTime(out)
	return out, nil
}

// PassiveFix returns the best fix reported in the last window.
func (t *TrackerService) PassiveFix(ctx context.Context, window time.Duration) (models.GPSLocation, error) {
	now := t.api.Now()
	points, err := t.Positions(ctx, now.Add(-window), now)
	if err != nil {
		return models.GPSLocation{}, err
	}
	best, ok := models.BestFix(points)
	if !ok {
		return models.GPSLocation{}, ErrNoPositions
	}
	return best, nil
}

// LocationHistory summarises the last hours of fixes.
func (t *TrackerService) LocationHistory(ctx context.Context, hours int) (models.LocationHistory, error) {
	if hours <= 0 {
		return models.LocationHistory{}, &models.ValidationError{Field: "hours", Value: strconv.Itoa(hours), Reason: "must be positive"}
	}
	now := t.api.Now()
	points, err := t.Positions(ctx, now.Add(-time.Duration(hours)*time.Hour), now)
	if err != nil {
		return models.LocationHistory{}, err
	}
	return models.NewLocationHistory(points), nil
}

// PetData returns the profile of the account's first trackable object.
func (t *TrackerService) PetData(ctx context.Context) (models.PetData, error) {
	uid, err := t.api.UserID(ctx)
	if err != nil {
		return models.PetData{}, err
	}
	var refs []objectRef
	path := fmt.Sprintf(constants.PathUserTrackables, url.PathEscape(uid))
	if err := t.api.Request(ctx, http.MethodGet, path, nil, &refs, Cached()); err != nil {
		return models.PetData{}, err
	}
	if len(refs) == 0 || refs[0].ID == "" {
		return models.PetData{}, &models.APIError{Op: "GET " + path, Status: http.StatusOK, Err: errors.New("account has no pets")}
	}

	var obj trackableObject
	if err := t.api.Request(ctx, http.MethodGet, fmt.Sprintf(constants.PathTrackableObject, url.PathEscape(refs[0].ID)), nil, &obj, Cached()); err != nil {
		return models.PetData{}, err
	}
	t.api.BindDevice("", refs[0].ID)

	d := obj.Details
	updated := obj.UpdatedAt
	if updated == 0 {
		updated = obj.CreatedAt
	}
	return models.PetData{
		ID:               refs[0].ID,
		Name:             strings.TrimSpace(d.Name),
		PetType:          strings.TrimSpace(d.PetType),
		Gender:           strings.TrimSpace(d.Gender),
		BreedIDs:         d.BreedIDs,
		Neutered:         d.Neutered,
		ChipID:           strings.TrimSpace(d.ChipID),
		Birthday:         d.Birthday,
		Weight:           d.Weight,
		ProfilePictureID: strings.TrimSpace(d.ProfilePictureID),
		CreatedAt:        obj.CreatedAt,
		UpdatedAt:        updated,
	}, nil
}

// PictureURL returns the profile picture of pet, or "" when it has none.
func PictureURL(baseURL string, pet models.PetData) string {
	if pet.ProfilePictureID == "" {
		return ""
	}
	return strings.TrimRight(baseURL, "/") + fmt.Sprintf(constants.PathProfilePicture, url.PathEscape(pet.ProfilePictureID))
}

// ListShares returns every public share of the tracker.
func (t *TrackerService) ListShares(ctx context.Context) ([]models.Share, error) {
	id, err := t.TrackerID(ctx)
	if err != nil {
		return nil, err
	}
	var refs []objectRef
	if err := t.api.Request(ctx, http.MethodGet, fmt.Sprintf(constants.PathTrackerShares, url.PathEscape(id)), nil, &refs); err != nil {
		return nil, err
	}

	shares := make([]models.Share, 0, len(refs))
	for _, ref := range refs {
		if ref.ID == "" {
			continue
		}
		var rec shareRecord
		if err := t.api.Request(ctx, http.MethodGet, fmt.Sprintf(constants.PathPublicShare, url.PathEscape(ref.ID)), nil, &rec); err != nil {
			return nil, err
		}
		if rec.ID == "" {
			rec.ID = ref.ID
		}
		shares = append(shares, rec.share())
	}
	return shares, nil
}

// CreateShare opens a public link with message.
func (t *TrackerService) CreateShare(ctx context.Context, message string) (models.Share, error) {
	if len(message) > constants.MaxShareMessageLength {
		return models.Share{}, &models.ValidationError{Field: "message", Reason: "longer than 255 characters"}
	}
	id, err := t.TrackerID(ctx)
	if err != nil {
		return models.Share{}, err
	}
	body := map[string]string{"tracker_id": id, "message": message}
	var rec shareRecord
	if err := t.api.Request(ctx, http.MethodPost, constants.PathCreatePublicShare, body, &rec, Mutation()); err != nil {
		return models.Share{}, err
	}
	if rec.ID == "" {
		return models.Share{}, &models.APIError{Op: "POST " + constants.PathCreatePublicShare, Status: http.StatusOK, Err: errors.New("share response without _id")}
	}
	if rec.Message == "" {
		rec.Message = message
	}
	t.logger.Info().Str("share_id", rec.ID).Msg("Public share created")
	return rec.share(), nil
}

// DeactivateShare closes the share with id.
func (t *TrackerService) DeactivateShare(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return &models.ValidationError{Field: "share id", Reason: "must not be empty"}
	}
	if err := t.api.Request(ctx, http.MethodPut, fmt.Sprintf(constants.PathDeactivateShare, url.PathEscape(id)), nil, nil, Mutation()); err != nil {
		return err
	}
	t.logger.Info().Str("share_id", id).Msg("Public share deactivated")
	return nil
}

// SendCommand issues one device control request. PUBLIC_SHARE is not a device
// command and goes through the share calls instead.
func (t *TrackerService) SendCommand(ctx context.Context, cmd models.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	id, err := t.TrackerID(ctx)
	if err != nil {
		return err
	}

	switch cmd.Type {
	case models.BatterySaver:
		body := map[string]bool{"battery_save_mode": cmd.State.Bool()}
		return t.api.Request(ctx, http.MethodPost, fmt.Sprintf(constants.PathBatterySaveMode, url.PathEscape(id)), body, nil, Mutation())
	case models.PublicShare:
		return &models.ValidationError{Field: "command", Value: string(cmd.Type), Reason: "public shares are not device commands"}
	default:
		path := fmt.Sprintf(constants.PathTrackerCommand, url.PathEscape(id), cmd.Type.WireName(), cmd.State.WireName())
		return t.api.Request(ctx, http.MethodGet, path, nil, nil, Mutation())
	}
}

// LiveTrackingActive reports whether the tracker is in live mode.
func (t *TrackerService) LiveTrackingActive(ctx context.Context) (bool, error) {
	rec, err := t.tracker(ctx)
	if err != nil {
		return false, err
	}
	return rec.LiveTracking.Active, nil
}

func sortByTime(points []models.GPSLocation) {
	slices.SortStableFunc(points, func(a, b models.GPSLocation) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
}
