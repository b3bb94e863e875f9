// Package gtfsrt is the shared realtime feed fetch/decode layer used by
// the vehicle and trip-update caches. Feeds arrive either as binary
// GTFS-realtime protobuf or as a JSON transcription of the same schema;
// both decode into the generated FeedMessage types.
package gtfsrt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	realtime "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// FastRetryAttempts and FastRetryDelay define the fast-retry policy: up to
// 2 additional attempts, 400ms apart.
const (
	FastRetryAttempts = 2
	FastRetryDelay    = 400 * time.Millisecond
)

// VehicleStopStatus mirrors realtime.VehiclePosition_VehicleStopStatus
// without leaking the generated protobuf enum type into callers.
type VehicleStopStatus int

const (
	StatusUnknown VehicleStopStatus = iota
	StatusIncomingAt
	StatusStoppedAt
	StatusInTransitTo
)

func (s VehicleStopStatus) String() string {
	switch s {
	case StatusIncomingAt:
		return "INCOMING_AT"
	case StatusStoppedAt:
		return "STOPPED_AT"
	case StatusInTransitTo:
		return "IN_TRANSIT_TO"
	default:
		return "UNKNOWN"
	}
}

// ScheduleRelationship mirrors the TripUpdate.StopTimeUpdate relationship.
type ScheduleRelationship int

const (
	RelationshipScheduled ScheduleRelationship = iota
	RelationshipSkipped
	RelationshipNoData
	RelationshipUnscheduled
)

// TripScheduleRelationship mirrors TripDescriptor.ScheduleRelationship,
// used at the trip level.
type TripScheduleRelationship int

const (
	TripScheduled TripScheduleRelationship = iota
	TripCanceled
	TripAdded
	TripUnscheduled
	TripReplacement
)

// TripRelationshipOf converts the generated trip-level enum pointer.
func TripRelationshipOf(rel *realtime.TripDescriptor_ScheduleRelationship) TripScheduleRelationship {
	if rel == nil {
		return TripScheduled
	}
	switch *rel {
	case realtime.TripDescriptor_CANCELED:
		return TripCanceled
	case realtime.TripDescriptor_ADDED:
		return TripAdded
	case realtime.TripDescriptor_UNSCHEDULED:
		return TripUnscheduled
	case realtime.TripDescriptor_REPLACEMENT:
		return TripReplacement
	default:
		return TripScheduled
	}
}

// Fetcher fetches one realtime feed, trying a binary (Protobuf) decode
// first and falling back to the JSON transcription of the same schema, with
// fast-retry wrapped via cenkalti/backoff.
type Fetcher struct {
	Client *http.Client
}

// NewFetcher builds a Fetcher with a sane request timeout.
func NewFetcher() *Fetcher {
	return &Fetcher{Client: &http.Client{Timeout: 15 * time.Second}}
}

// Fetch retrieves and decodes url, retrying per FastRetryAttempts/FastRetryDelay.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*realtime.FeedMessage, error) {
	var feed *realtime.FeedMessage
	operation := func() error {
		body, contentType, err := f.getBytes(ctx, url)
		if err != nil {
			return err
		}
		feed, err = decode(body, contentType)
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(FastRetryDelay), FastRetryAttempts)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("fetching feed %s: %w", url, err)
	}
	return feed, nil
}

func (f *Fetcher) getBytes(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building request: %w", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("feed returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading body: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// decode tries a Protobuf unmarshal first; on failure (or when the content
// type says JSON) it retries via the JSON transcription of the same
// FeedMessage schema.
func decode(body []byte, contentType string) (*realtime.FeedMessage, error) {
	feed := &realtime.FeedMessage{}
	if contentType != "application/json" {
		if err := proto.Unmarshal(body, feed); err == nil {
			return feed, nil
		}
	}
	feed = &realtime.FeedMessage{}
	if err := protojson.Unmarshal(body, feed); err == nil {
		return feed, nil
	}
	if err := json.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("decoding feed as protobuf or JSON: %w", err)
	}
	return feed, nil
}

// VehicleStatusOf converts the generated enum pointer to VehicleStopStatus.
func VehicleStatusOf(status *realtime.VehiclePosition_VehicleStopStatus) VehicleStopStatus {
	if status == nil {
		return StatusUnknown
	}
	switch *status {
	case realtime.VehiclePosition_INCOMING_AT:
		return StatusIncomingAt
	case realtime.VehiclePosition_STOPPED_AT:
		return StatusStoppedAt
	case realtime.VehiclePosition_IN_TRANSIT_TO:
		return StatusInTransitTo
	default:
		return StatusUnknown
	}
}

// ScheduleRelationshipOf converts the generated enum pointer.
func ScheduleRelationshipOf(rel *realtime.TripUpdate_StopTimeUpdate_ScheduleRelationship) ScheduleRelationship {
	if rel == nil {
		return RelationshipScheduled
	}
	switch *rel {
	case realtime.TripUpdate_StopTimeUpdate_SKIPPED:
		return RelationshipSkipped
	case realtime.TripUpdate_StopTimeUpdate_NO_DATA:
		return RelationshipNoData
	case realtime.TripUpdate_StopTimeUpdate_UNSCHEDULED:
		return RelationshipUnscheduled
	default:
		return RelationshipScheduled
	}
}
